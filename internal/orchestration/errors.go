package orchestration

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is the canonical error for jobs interrupted by stop().
var ErrCancelled = errors.New("cancelled")

// ErrAlreadyRunning is returned when start is called while a run is active.
var ErrAlreadyRunning = errors.New("a workflow is already running")

// PollTimeoutError reports a task that did not reach a terminal status
// within its budget.
type PollTimeoutError struct {
	TaskID   string
	Category string
	Budget   time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("task %s (%s) did not finish within %s", e.TaskID, e.Category, e.Budget)
}

// IsPollTimeout reports whether err is a poll budget expiry.
func IsPollTimeout(err error) bool {
	var pt *PollTimeoutError
	return errors.As(err, &pt)
}

// TaskFailedError reports a remote task that reached a failed or cancelled
// terminal status.
type TaskFailedError struct {
	TaskID   string
	Category string
	FailDesc string
}

func (e *TaskFailedError) Error() string {
	if e.FailDesc == "" {
		return fmt.Sprintf("task %s (%s) failed", e.TaskID, e.Category)
	}
	return fmt.Sprintf("task %s (%s) failed: %s", e.TaskID, e.Category, e.FailDesc)
}

// FatalError marks an error as non-retryable regardless of the state's
// retry eligibility. Strategies use it for failures where retrying cannot
// help, like unreachable media URLs.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the executor fails the job without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was marked non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
