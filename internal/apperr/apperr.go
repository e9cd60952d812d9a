// Package apperr defines the error taxonomy shared by every public
// boundary of the service. Components return *Error values; the HTTP
// layer maps kinds onto status codes and the background queue uses them
// to decide whether a failed job is retryable.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error categories.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindUnauthorized        Kind = "unauthorized"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindBusinessRule        Kind = "business_rule"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamInvalid     Kind = "upstream_invalid"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
	KindPartialSuccess      Kind = "partial_success"
)

// Error carries a kind, a short human message and optional structured
// details. The wrapped cause stays server-side.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout, KindUpstreamUnavailable, KindUpstreamInvalid:
		return http.StatusServiceUnavailable
	case KindPartialSuccess:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a background job failing with err should be
// retried. Validation and business-rule failures are terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindBusinessRule, KindNotFound, KindUnauthorized, KindUnauthenticated:
		return false
	default:
		return true
	}
}
