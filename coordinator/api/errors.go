// Package api defines the stable error taxonomy surfaced to coordinator
// clients and its mapping onto HTTP statuses. Services return *Error values
// for caller-visible failures; everything else is treated as INTERNAL at the
// RPC boundary.
package api

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Code identifies a class of caller-visible failure. Codes are stable
// identifiers; clients switch on them.
type Code string

// The full taxonomy.
const (
	Unauthenticated     Code = "UNAUTHENTICATED"
	Forbidden           Code = "FORBIDDEN"
	NotFound            Code = "NOT_FOUND"
	PreconditionFailed  Code = "PRECONDITION_FAILED"
	Conflict            Code = "CONFLICT"
	InvalidInput        Code = "INVALID_INPUT"
	UpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	DeadlineExceeded    Code = "DEADLINE_EXCEEDED"
	Internal            Code = "INTERNAL"
)

// Error is a caller-visible failure with a taxonomy code. The underlying
// cause, if any, stays reachable through errors.Is/As.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to the errors package.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a coded error from a format string.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code and context to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the taxonomy code of err, defaulting to INTERNAL for
// errors that did not originate from a guard or boundary check.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return Internal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code onto an HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case Conflict:
		return http.StatusConflict
	case InvalidInput:
		return http.StatusBadRequest
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
