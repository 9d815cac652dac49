package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrAborted reports that a subscription, connection attempt or wait was
// cancelled by the caller. It is never retried and subscriptions ending
// with it complete instead of failing.
var ErrAborted = errors.New("aborted")

// ErrClosed is returned for work requested after Dispose.
var ErrClosed = fmt.Errorf("%w: client disposed", ErrAborted)

// NetworkError is a transport level failure: a non-success status, a
// failed request or a stream that ended while operations were still
// running. Network errors are retried.
type NetworkError struct {
	// Status is the HTTP status code, or zero when no response was received.
	Status int
	// Message describes the failure. For error responses it carries the
	// first GraphQL error message of the body when there is one.
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("network error: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
	case e.Status != 0:
		return fmt.Sprintf("network error: %d %s", e.Status, http.StatusText(e.Status))
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("network error: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("network error: %v", e.Err)
	default:
		return "network error: " + e.Message
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CallbackError wraps an error returned by a user supplied hook. It is
// fatal to the connection that invoked the hook.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string { return "callback failed: " + e.Err.Error() }

func (e *CallbackError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAborted) {
		return false
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func aborted(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrAborted) {
		return fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	return ErrAborted
}
