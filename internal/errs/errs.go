// Package errs defines the error taxonomy shared by the transport
// adapter, the poller, and the bulk executor. Callers classify errors
// with errors.Is against the sentinel kinds; everything else is wrapped
// detail.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport indicates the provider was unreachable or returned a
	// malformed response. Transient, retried with backoff.
	ErrTransport = errors.New("transport error")

	// ErrRateLimited indicates the provider throttled the request.
	// Retried with the provider-specified or exponential delay.
	ErrRateLimited = errors.New("rate limited")

	// ErrPermissionDenied indicates a missing capability. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrExpired indicates the delete window elapsed for a message.
	// Never retried, recorded as a skip.
	ErrExpired = errors.New("delete window expired")

	// ErrNotFound indicates the chat, file, or message vanished.
	// Recorded as a failure, not retried.
	ErrNotFound = errors.New("not found")

	// ErrFaulted indicates an unrecoverable auth or configuration
	// failure. Halts the poll loop until operator intervention.
	ErrFaulted = errors.New("faulted")
)

// RateLimit wraps ErrRateLimited with the provider-advised delay.
// retryAfter may be zero when the provider gave no hint.
func RateLimit(retryAfter time.Duration, cause error) error {
	return &rateLimitError{retryAfter: retryAfter, cause: cause}
}

type rateLimitError struct {
	retryAfter time.Duration
	cause      error
}

func (e *rateLimitError) Error() string {
	if e.retryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.retryAfter, e.cause)
	}
	return fmt.Sprintf("rate limited: %v", e.cause)
}

func (e *rateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *rateLimitError) Unwrap() error { return e.cause }

// RetryAfter extracts the provider-advised delay from a rate limit
// error. Returns zero when err is not a rate limit or carries no hint.
func RetryAfter(err error) time.Duration {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return rl.retryAfter
	}
	return 0
}

// Transient reports whether err is worth retrying at all.
func Transient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}
