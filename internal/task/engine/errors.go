package engine

import (
	"errors"
	"fmt"
	"time"
)

// TaskExecutionFailure wraps an error returned by a handler, or a recovered panic.
type TaskExecutionFailure struct {
	TaskID   int64
	TaskName string
	Err      error

	// Panic is the recovered value when the handler panicked.
	Panic any
	Stack string
}

func (e *TaskExecutionFailure) Error() string {
	return fmt.Sprintf("task %s (%d) failed: %v", e.TaskName, e.TaskID, e.Err)
}

func (e *TaskExecutionFailure) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry
// so the engine does not enqueue another attempt.
//
// Example:
//
//	return nil, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The engine respects the hint (bounded by the task's
// MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// errorDetail is the message stored in a FAILED row: the handler's own error,
// without the engine's wrappers.
func errorDetail(err error) string {
	var tf *TaskExecutionFailure
	if errors.As(err, &tf) && tf.Err != nil {
		err = tf.Err
	}
	for {
		switch e := err.(type) {
		case noRetryError:
			err = e.err
			continue
		case retryAfterError:
			err = e.err
			continue
		}
		return err.Error()
	}
}
