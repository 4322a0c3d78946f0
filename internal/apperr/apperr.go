// Package apperr defines the error kinds shared across services and their
// HTTP status mapping. Handlers classify failures with a Kind; transports
// render them uniformly as {"detail": ...} with the mapped status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for transport-level rendering.
type Kind int

const (
	Internal Kind = iota
	NotAuthenticated
	InvalidToken
	Forbidden
	NotFound
	Conflict
	RateLimited
	UpstreamUnavailable
	UpstreamTimeout
	Validation
)

func (k Kind) String() string {
	switch k {
	case NotAuthenticated:
		return "not_authenticated"
	case InvalidToken:
		return "invalid_token"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamTimeout:
		return "upstream_timeout"
	case Validation:
		return "validation"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to the status code surfaced to callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotAuthenticated, InvalidToken:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error with a caller-visible detail message.
type Error struct {
	Kind   Kind
	Detail string
	// RetryAfter is set for RateLimited errors and rendered as the
	// Retry-After header.
	RetryAfter time.Duration
	// status, when non-zero, overrides the kind's HTTP status. Used to
	// mirror upstream response codes that have no kind of their own.
	status  int
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E constructs a kinded error.
func E(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs a kinded error wrapping an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: err}
}

// RateLimitedErr constructs a RateLimited error carrying a retry hint.
func RateLimitedErr(detail string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Detail: detail, RetryAfter: retryAfter}
}

// Mirror constructs a kinded error that renders with an explicit HTTP
// status instead of the kind's default mapping.
func Mirror(kind Kind, status int, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, status: status}
}

// StatusOf returns the HTTP status an error renders with: the explicit
// mirrored status when one is set, otherwise the kind mapping.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.status != 0 {
		return e.status
	}
	return KindOf(err).HTTPStatus()
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// DetailOf extracts the caller-visible detail from an error chain. For
// unclassified errors it returns a generic message so internals never leak.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "Internal server error"
}

// RetryAfterOf extracts the retry hint from a RateLimited error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
