// Package errs defines the structured error taxonomy shared by all recalld
// subsystems.
//
// Every error that crosses a package boundary carries a Kind. The HTTP layer
// maps kinds to status codes and the reliability layer uses Retryable to
// decide whether an operation may be attempted again.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for HTTP mapping and retry decisions.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindNotFound      Kind = "NOT_FOUND"
	KindAuth          Kind = "AUTH_ERROR"
	KindRateLimit     Kind = "RATE_LIMITED"
	KindCircuitOpen   Kind = "CIRCUIT_OPEN"
	KindExternal      Kind = "EXTERNAL_SERVICE_ERROR"
	KindTimeout       Kind = "TIMEOUT"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindConflict      Kind = "CONFLICT"
	KindUnknown       Kind = "UNKNOWN"
)

// Error is the single error type used across subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string

	// Details carries per-field validation paths or dependency names.
	Details map[string]any

	// RetryAfter is set for rate-limit errors when the upstream provided one.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by kind, so callers can use
// errors.Is(err, &Error{Kind: KindTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the kind to its response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindExternal:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the reliability layer may retry this error.
// Circuit-open errors fail fast; input and config errors never retry.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindExternal, KindTimeout:
		return true
	default:
		return false
	}
}

// Constructors, one per kind.

// Validation builds a 400 error with optional per-field detail paths.
func Validation(msg string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// Validationf builds a 400 error from a format string.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a 404 error for an unknown resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// Auth builds a 401 error.
func Auth(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

// RateLimited builds a 429 error carrying the upstream retry hint.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, RetryAfter: retryAfter}
}

// CircuitOpen builds a 503 error for a tripped breaker.
func CircuitOpen(dependency string) *Error {
	return &Error{
		Kind:    KindCircuitOpen,
		Message: fmt.Sprintf("circuit breaker open for %s", dependency),
		Details: map[string]any{"dependency": dependency},
	}
}

// External wraps a network or 5xx failure from a downstream dependency.
func External(dependency string, cause error) *Error {
	return &Error{
		Kind:    KindExternal,
		Message: fmt.Sprintf("%s unavailable", dependency),
		Details: map[string]any{"dependency": dependency},
		cause:   cause,
	}
}

// Timeout wraps a deadline-exceeded failure.
func Timeout(op string, cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out", op),
		cause:   cause,
	}
}

// Configuration builds a 500 error for invalid or missing configuration.
func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

// Conflict builds a 409 error for a busy advisory lock or a duplicate job.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Unknown wraps anything that escaped classification.
func Unknown(cause error) *Error {
	return &Error{Kind: KindUnknown, Message: "internal error", cause: cause}
}

// KindOf extracts the kind from any error, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried. Unclassified errors are
// treated as non-retryable so input bugs never loop.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// HTTPStatusOf maps any error to a response status code.
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
