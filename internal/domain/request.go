package domain

import "time"

// RequestAction is the verb of a user-submitted Request.
type RequestAction string

const (
	ActionSubmit RequestAction = "SUBMIT"
	ActionCancel RequestAction = "CANCEL"
)

// RequestState is the lifecycle state of a Request. It goes
// PENDING -> {COMPLETED, FAILED} exactly once.
type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestCompleted RequestState = "COMPLETED"
	RequestFailed    RequestState = "FAILED"
)

// Request is a user-submitted intent, created by the API and mutated
// only by the scheduler.
type Request struct {
	ID         string
	Action     RequestAction
	JobType    string // which state-machine parser to invoke, for SUBMIT
	Parameters string // opaque to the core
	JobID      *string // target job, for CANCEL
	Priority   int
	StartDate  *time.Time
	TimeSlot   int
	Timeout    int
	Submitter  string
	SubmitDate time.Time

	State  RequestState
	Result string
}
