package invocation

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dMap/lib/cluster"
)

var (
	// ErrDeadlineExceeded is returned when the absolute deadline of an invocation passed
	ErrDeadlineExceeded = errors.New("invocation deadline exceeded")
	// ErrClosed is returned for invocations still pending when the registry is closed
	ErrClosed = errors.New("invocation registry is closed")
)

// RetryableError signals a transient failure. The invocation sends the
// operation again as long as attempts remain.
type RetryableError struct {
	Reason string
	Cause  error // optional
}

// Retryable creates a RetryableError with a formatted reason
func Retryable(format string, args ...any) *RetryableError {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Cause)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// RemoteError is a permanent failure reported by the target node
type RemoteError struct {
	From    cluster.Address
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.From, e.Message)
}

// ExhaustedError is returned when every attempt ended with a retryable error.
// It unwraps to the last retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("invocation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryable returns whether err is a retryable error.
// An exhausted invocation is not retryable, even though it wraps one.
func IsRetryable(err error) bool {
	if IsExhausted(err) {
		return false
	}
	var r *RetryableError
	return errors.As(err, &r)
}

// IsExhausted returns whether err reports a spent retry budget
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// IsRemote returns whether err is a permanent error reported by the target
func IsRemote(err error) bool {
	var e *RemoteError
	return errors.As(err, &e)
}
