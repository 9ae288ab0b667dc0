// Package faults defines the error taxonomy shared by the planner, the
// dispatcher, and job execution. Classification drives the job state machine:
// retryable errors are charged against the retry budget, fatal errors and
// timeouts are not.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceBusy means an account lease is already held. The dispatcher
	// handles it by leaving the job pending; it never touches retry_count.
	ErrResourceBusy = errors.New("resource busy")

	// ErrResourceTimeout means a job sat pending past the max-wait ceiling.
	// It is a fatal outcome, not a retry.
	ErrResourceTimeout = errors.New("resource acquisition timed out")

	// ErrTimeout is the hard per-job ceiling. It forces FAILED directly,
	// bypassing any remaining retries.
	ErrTimeout = errors.New("job deadline exceeded")
)

// ConfigError reports bad campaign or job input. It aborts the whole planner
// run atomically and surfaces synchronously to the campaign-start caller.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// RetryableError marks a transient execution failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FatalError marks a permanent execution failure (e.g. banned account).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as permanent. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTimeout reports whether err is the hard job deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
