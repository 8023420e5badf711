package job

import (
	"errors"
	"fmt"
)

// Messages recorded in Job.Error for orchestrator-initiated terminations.
const (
	DeadlineExceededMessage = "deadline exceeded"
	CancelledMessage        = "cancelled by user"
)

// Sentinel errors for job operations.
var (
	// ErrCapacityExceeded is the only error surfaced synchronously by Submit.
	// No job state is created when it is returned; callers may retry.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotFound indicates no job with the given identifier exists.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJobID indicates a caller-assigned job_id is already in use.
	ErrDuplicateJobID = errors.New("duplicate job_id")

	// ErrInvalidTransition indicates a non-monotonic state change.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotTerminal indicates an operation that requires a finished job.
	ErrNotTerminal = errors.New("job is not terminal")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %v", e.JobID, e.From, e.To, ErrInvalidTransition)
}

// Unwrap returns ErrInvalidTransition for errors.Is support.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsCapacityExceeded returns true if err reports a full admission table.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// IsNotFound returns true if err reports an unknown job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
