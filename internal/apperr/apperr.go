// Package apperr defines the error kinds shared by every steamwatch service.
// HTTP handlers translate them into status codes in one place (internal/httpx)
// and broker handlers translate them into reject-without-requeue decisions.
package apperr

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// AuthenticationError means a request was rejected by the auth layer and a
// single refresh+retry cycle did not help. It is terminal for the caller.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Reason
}

// APIClientError is a non-auth HTTP error from a collaborator service or the
// upstream catalog API. Status carries the observed response code.
type APIClientError struct {
	Status int
	URL    string
}

func (e *APIClientError) Error() string {
	return fmt.Sprintf("api client error: status %d from %s", e.Status, e.URL)
}

// Retryable reports whether the call may be retried (5xx only; 4xx is final).
func (e *APIClientError) Retryable() bool { return e.Status >= 500 }

// RateLimited is an observed 429 from the upstream. The limiter backs off for
// RetryAfter before the next attempt.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ValidationError is a malformed request or payload. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Conflict is a duplicate-primary-key style failure (HTTP 409).
type Conflict struct {
	Msg string
}

func (e *Conflict) Error() string { return "conflict: " + e.Msg }

// NotFound is a missing-entity failure (HTTP 404).
type NotFound struct {
	Msg string
}

func (e *NotFound) Error() string { return "not found: " + e.Msg }

// Handled signals the broker layer that a message must be rejected without
// requeue; the cause has already been logged at the point of failure.
type Handled struct {
	Msg string
}

func (e *Handled) Error() string { return e.Msg }

// Handledf builds a Handled error with a formatted message.
func Handledf(format string, args ...any) *Handled {
	return &Handled{Msg: fmt.Sprintf(format, args...)}
}

// Transient is a broker or database connection failure. Callers retry with
// exponential backoff instead of surfacing it.
type Transient struct {
	Err error
}

func (e *Transient) Error() string { return "transient: " + e.Err.Error() }

func (e *Transient) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the connection level:
// either an explicit Transient wrapper or a net error.
func IsTransient(err error) bool {
	var t *Transient
	if errors.As(err, &t) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsRetryable reports whether an outbound call that returned err should be
// retried by the call-site retry decorator: connection errors and 5xx yes,
// auth and 4xx no.
func IsRetryable(err error) bool {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ce *APIClientError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	var rl *RateLimited
	if errors.As(err, &rl) {
		return true
	}
	return IsTransient(err)
}
