// Package apperr defines the service's error taxonomy. Every error that
// reaches the HTTP layer is either an *Error with a Kind or is treated as
// Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthRequired
	KindForbidden
	KindNotFound
	KindConflict
	KindQuotaExceeded
	KindRateLimited
)

// Error is a classified, client-presentable error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a Kind to its HTTP status code.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: msg}
}

func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

func AuthRequired(msg string) *Error {
	return &Error{Kind: KindAuthRequired, Code: "AUTHENTICATION_REQUIRED", Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: msg}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: msg}
}

// QuotaExceeded carries the itemized ledger decision as details.
func QuotaExceeded(msg string, details any) *Error {
	return &Error{Kind: KindQuotaExceeded, Code: "QUOTA_EXCEEDED", Message: msg, Details: details}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Code: "RATE_LIMITED", Message: "rate limit exceeded, please try again later"}
}

// Internal wraps an unexpected failure. The message shown to clients is fixed.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "internal server error", Err: err}
}

// As extracts an *Error from err. Unclassified errors become Internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
