package scheduler

import (
	"errors"
	"fmt"
)

// Handler failures fall into two classes. Retryable failures keep the
// task queued with an incremented attempt count and a backoff delay;
// everything else is fatal: the task is dropped and logged. Transient
// infrastructure errors must be wrapped with Retryable by the handler
// that recognizes them.

type retryableError struct{ err error }

func (e *retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as worth retrying.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
