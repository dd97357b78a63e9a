// Package store persists Jobs and Requests with gorm, backed by sqlite
// in tests and postgres in production. It maps between the gorm row
// types defined here and the persistence-agnostic domain types the rest
// of the scheduler operates on.
package store

import (
	"time"

	"github.com/tessia-project/jobscheduler/internal/domain"
)

// jobRow is the gorm-mapped representation of domain.Job.
type jobRow struct {
	ID              string   `gorm:"primaryKey"`
	Type            string
	Parameters      string
	ResExclusive    []string `gorm:"serializer:json;column:resources_exclusive"`
	ResShared       []string `gorm:"serializer:json;column:resources_shared"`
	Description     string
	Priority        int
	SubmitDate      time.Time
	StartDate       *time.Time
	TimeSlot        int
	Timeout         int

	State string

	PID              int
	StartDateActual  *time.Time
	EndDate          *time.Time
	Result           string
	PrefilteredExtra string
}

func (jobRow) TableName() string { return "scheduler_jobs" }

// requestRow is the gorm-mapped representation of domain.Request.
type requestRow struct {
	ID         string `gorm:"primaryKey"`
	Action     string
	JobType    string
	Parameters string
	JobID      *string
	Priority   int
	StartDate  *time.Time
	TimeSlot   int
	Timeout    int
	Submitter  string
	SubmitDate time.Time

	State  string
	Result string
}

func (requestRow) TableName() string { return "scheduler_requests" }

func jobToRow(j *domain.Job) *jobRow {
	return &jobRow{
		ID:              j.ID,
		Type:            j.Type,
		Parameters:      j.Parameters,
		ResExclusive:    j.Resources.Exclusive,
		ResShared:       j.Resources.Shared,
		Description:     j.Description,
		Priority:        j.Priority,
		SubmitDate:      j.SubmitDate,
		StartDate:       j.StartDate,
		TimeSlot:        j.TimeSlot,
		Timeout:         j.Timeout,
		State:            string(j.State),
		PID:              j.PID,
		StartDateActual:  j.StartDateActual,
		EndDate:          j.EndDate,
		Result:           j.Result,
		PrefilteredExtra: j.PrefilteredExtra,
	}
}

func rowToJob(r *jobRow) *domain.Job {
	return &domain.Job{
		ID:   r.ID,
		Type: r.Type,
		Parameters: r.Parameters,
		Resources: domain.ResourceSet{
			Exclusive: r.ResExclusive,
			Shared:    r.ResShared,
		},
		Description:     r.Description,
		Priority:        r.Priority,
		SubmitDate:      r.SubmitDate,
		StartDate:       r.StartDate,
		TimeSlot:        r.TimeSlot,
		Timeout:         r.Timeout,
		State:            domain.JobState(r.State),
		PID:              r.PID,
		StartDateActual:  r.StartDateActual,
		EndDate:          r.EndDate,
		Result:           r.Result,
		PrefilteredExtra: r.PrefilteredExtra,
	}
}

func requestToRow(req *domain.Request) *requestRow {
	return &requestRow{
		ID:         req.ID,
		Action:     string(req.Action),
		JobType:    req.JobType,
		Parameters: req.Parameters,
		JobID:      req.JobID,
		Priority:   req.Priority,
		StartDate:  req.StartDate,
		TimeSlot:   req.TimeSlot,
		Timeout:    req.Timeout,
		Submitter:  req.Submitter,
		SubmitDate: req.SubmitDate,
		State:      string(req.State),
		Result:     req.Result,
	}
}

func rowToRequest(r *requestRow) *domain.Request {
	return &domain.Request{
		ID:         r.ID,
		Action:     domain.RequestAction(r.Action),
		JobType:    r.JobType,
		Parameters: r.Parameters,
		JobID:      r.JobID,
		Priority:   r.Priority,
		StartDate:  r.StartDate,
		TimeSlot:   r.TimeSlot,
		Timeout:    r.Timeout,
		Submitter:  r.Submitter,
		SubmitDate: r.SubmitDate,
		State:      domain.RequestState(r.State),
		Result:     r.Result,
	}
}
