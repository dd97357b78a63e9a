// Package errors provides the scheduler's error vocabulary: sentinel
// values for classification via errors.Is, and wrapped error types that
// carry the identifier of the entity an operation failed against, usable
// via errors.As. It intentionally avoids a third-party error-handling
// library; the standard library's wrap/Is/As primitives are sufficient
// for the sentinel-plus-wrapped-type pattern used throughout this module.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors classify failures by kind. Callers compare against
// these with errors.Is, even when the concrete error has been wrapped in
// one of the typed errors below.
var (
	ErrJobNotFound        = errors.New("job not found")
	ErrRequestNotFound    = errors.New("request not found")
	ErrInvalidJobType     = errors.New("invalid job type")
	ErrInvalidParameters  = errors.New("invalid job parameters")
	ErrInvalidResources   = errors.New("invalid resource list")
	ErrResourceConflict   = errors.New("resource would conflict with another scheduled job")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSystemNotAvailable = errors.New("system not in a valid state for scheduling")
	ErrJobNotWaiting      = errors.New("job is not in WAITING state")
	ErrJobNotActive       = errors.New("job is not RUNNING or CLEANINGUP")
	ErrUnknownProcess     = errors.New("worker process identity could not be confirmed")
	ErrSpawnFailed        = errors.New("failed to spawn worker process")
	ErrResultFileInvalid  = errors.New("result file missing or malformed")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrStreamTruncated    = errors.New("input ended in the middle of a JSON value")
	ErrStreamSyntax       = errors.New("malformed JSON input")
)

// JobError wraps a failure tied to a specific job.
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: operation %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

func WrapJobError(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{JobID: jobID, Operation: operation, Err: err}
}

// RequestError wraps a failure tied to a specific submit/cancel request.
type RequestError struct {
	RequestID string
	Operation string
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: operation %s: %v", e.RequestID, e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func WrapRequestError(requestID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{RequestID: requestID, Operation: operation, Err: err}
}

// ResourceError wraps a failure tied to a named resource (e.g. a system).
type ResourceError struct {
	Resource  string
	Operation string
	Err       error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s: operation %s: %v", e.Resource, e.Operation, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func WrapResourceError(resource, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Resource: resource, Operation: operation, Err: err}
}

// SpawnerError wraps a failure starting or validating a worker process.
type SpawnerError struct {
	JobID string
	PID   int
	Err   error
}

func (e *SpawnerError) Error() string {
	return fmt.Sprintf("spawner: job %s pid %d: %v", e.JobID, e.PID, e.Err)
}

func (e *SpawnerError) Unwrap() error { return e.Err }

func WrapSpawnerError(jobID string, pid int, err error) error {
	if err == nil {
		return nil
	}
	return &SpawnerError{JobID: jobID, PID: pid, Err: err}
}

// WrapperError wraps a failure inside the worker-side lifecycle supervisor.
type WrapperError struct {
	Phase string
	Err   error
}

func (e *WrapperError) Error() string {
	return fmt.Sprintf("wrapper: phase %s: %v", e.Phase, e.Err)
}

func (e *WrapperError) Unwrap() error { return e.Err }

func WrapWrapperError(phase string, err error) error {
	if err == nil {
		return nil
	}
	return &WrapperError{Phase: phase, Err: err}
}

// ConfigError wraps a failure loading or validating configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func WrapConfigError(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Field: field, Err: err}
}

// IsJobError reports whether err wraps a *JobError.
func IsJobError(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}

// IsResourceError reports whether err wraps a *ResourceError.
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// GetJobID extracts the job id from a wrapped JobError, if any.
func GetJobID(err error) (string, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.JobID, true
	}
	return "", false
}

// multiError joins independent errors, e.g. the several validation
// failures collected while checking the configuration.
type multiError struct {
	errors []error
}

func (m *multiError) Error() string {
	if len(m.errors) == 1 {
		return m.errors[0].Error()
	}
	s := fmt.Sprintf("%d errors occurred:", len(m.errors))
	for _, e := range m.errors {
		s += "\n\t* " + e.Error()
	}
	return s
}

func (m *multiError) Unwrap() []error { return m.errors }

// JoinErrors combines non-nil errors into one. Returns nil if none are
// non-nil, and the single error unwrapped if there is exactly one.
func JoinErrors(errs ...error) error {
	var filtered []error
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return &multiError{errors: filtered}
	}
}
