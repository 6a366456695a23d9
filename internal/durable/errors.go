package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrHeartbeatTimeout is the cause of an activity attempt that stopped heartbeating.
	ErrHeartbeatTimeout = errors.New("activity heartbeat timeout")
	// ErrActivityTimeout is the cause of an activity attempt that exceeded its timeout.
	ErrActivityTimeout = errors.New("activity timeout")
	// ErrActivityOutcomeUnknown is returned when an activity was dispatched before a crash
	// and can't be dispatched again.
	ErrActivityOutcomeUnknown = errors.New("activity outcome unknown")
	// ErrWorkflowCancelled is the cause of a workflow cancelled by request.
	ErrWorkflowCancelled = errors.New("workflow cancelled")
	// ErrRuntimeStopped is the cause of a workflow interrupted by a runtime shutdown, the
	// workflow is left running so it can be resumed.
	ErrRuntimeStopped = errors.New("runtime stopped")
)

// ActivityError is returned by an activity that failed definitively.
type ActivityError struct {
	Activity     string
	Attempts     int
	NonRetryable bool
	Err          error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed after %d attempt(s): %s", e.Activity, e.Attempts, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

type nonRetryableError struct{ err error }

func (e nonRetryableError) Error() string { return e.err.Error() }
func (e nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error so the activity is not retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return nonRetryableError{err: err}
}

// IsNonRetryable returns true if the error has been marked as non retryable.
func IsNonRetryable(err error) bool {
	var nr nonRetryableError
	return errors.As(err, &nr)
}
