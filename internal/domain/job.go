// Package domain holds the plain data types shared by the scheduler loop,
// resource manager and spawner: Requests, Jobs and the resource tags
// attached to a job. These are persistence-agnostic; internal/store maps
// them to and from database rows.
package domain

import (
	"fmt"
	"time"

	"github.com/tessia-project/jobscheduler/pkg/errors"
)

// JobState is the lifecycle state of a Job. Every transition is one-way
// except WAITING->CANCELED and RUNNING->CLEANINGUP->{CANCELED,FAILED,COMPLETED}.
type JobState string

const (
	JobWaiting     JobState = "WAITING"
	JobRunning     JobState = "RUNNING"
	JobCleaningUp  JobState = "CLEANINGUP"
	JobCompleted   JobState = "COMPLETED"
	JobCanceled    JobState = "CANCELED"
	JobFailed      JobState = "FAILED"
)

// DefaultTimeSlot is the only time slot implementations need until the
// nightly-maintenance-window mechanism referenced by the scheduling
// loop is ever given a second value.
const DefaultTimeSlot = 0

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCanceled || s == JobFailed
}

// IsActive reports whether a worker process is expected to exist.
func (s JobState) IsActive() bool {
	return s == JobRunning || s == JobCleaningUp
}

// ResourceMode is how a job intends to use a resource.
type ResourceMode string

const (
	ResourceShared    ResourceMode = "shared"
	ResourceExclusive ResourceMode = "exclusive"
)

// ResourceSet is the tagged resource list attached to a job or request,
// split by the mode under which each named resource will be held. A
// resource name must not appear in both lists.
type ResourceSet struct {
	Exclusive []string `json:"exclusive" gorm:"serializer:json"`
	Shared    []string `json:"shared" gorm:"serializer:json"`
}

// Validate checks that no resource name is duplicated across or within
// the two lists.
func (r ResourceSet) Validate() error {
	seen := make(map[string]bool, len(r.Exclusive)+len(r.Shared))
	for _, name := range r.Exclusive {
		if seen[name] {
			return errors.ErrInvalidResources
		}
		seen[name] = true
	}
	for _, name := range r.Shared {
		if seen[name] {
			return errors.ErrInvalidResources
		}
		seen[name] = true
	}
	return nil
}

// Empty reports whether the job references no resources at all.
func (r ResourceSet) Empty() bool {
	return len(r.Exclusive) == 0 && len(r.Shared) == 0
}

// Each calls fn for every (resource, mode) pair in the set.
func (r ResourceSet) Each(fn func(resource string, mode ResourceMode)) {
	for _, name := range r.Exclusive {
		fn(name, ResourceExclusive)
	}
	for _, name := range r.Shared {
		fn(name, ResourceShared)
	}
}

// Job is created by the scheduler when a SUBMIT request is accepted.
type Job struct {
	ID          string     `gorm:"primaryKey"`
	Type        string     // identifies which state-machine parser produced this job
	Parameters  string     // verbatim from the originating request
	Resources   ResourceSet `gorm:"embedded;embeddedPrefix:resources_"`
	Description string
	Priority    int
	SubmitDate  time.Time
	StartDate   *time.Time // reservation start, if any
	TimeSlot    int        // coarse scheduling gate; DefaultTimeSlot until extended
	Timeout     int        // seconds; 0 means unbounded

	State JobState

	PID             int
	StartDateActual *time.Time
	EndDate         *time.Time
	Result          string

	// PrefilteredExtra carries whatever a machine.Prefilterer stripped
	// out of Parameters at submission time (e.g. credentials); it is
	// handed back to machine.Recombiner just before spawn and is never
	// otherwise inspected by the scheduler. Empty for machines that
	// don't implement the hook.
	PrefilteredExtra string
}

// Validate checks the single cross-field invariant on Job: a reservation
// (start date) requires a bounded timeout, since an unbounded job has no
// computable end time to check for overlap against.
func (j *Job) Validate() error {
	if j.StartDate != nil && j.Timeout == 0 {
		return errors.WrapJobError(j.ID, "validate",
			fmt.Errorf("job with a start date must have a timeout defined"))
	}
	return j.Resources.Validate()
}

// HasResources reports whether the job references any resource at all,
// in either mode.
func (j *Job) HasResources() bool {
	return !j.Resources.Empty()
}

// EffectiveStartDate returns the start date to use for overlap math: the
// job's own reservation if set and in the future, otherwise now.
func (j *Job) EffectiveStartDate(now time.Time) time.Time {
	if j.StartDate == nil {
		return now
	}
	if j.StartDate.After(now) {
		return *j.StartDate
	}
	return now
}
