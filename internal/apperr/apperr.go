// Package apperr defines the stable error taxonomy surfaced at the tool-RPC
// boundary. Internal layers return *Error values; the handler maps codes to
// HTTP statuses and wire payloads.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodeAlreadyExists      Code = "already_exists"
	CodeImagePolicy        Code = "image_policy"
	CodePathViolation      Code = "path_violation"
	CodeETagConflict       Code = "etag_conflict"
	CodeConcurrencyLimit   Code = "concurrency_limit"
	CodeTimeout            Code = "timeout"
	CodeCancelled          Code = "cancelled"
	CodeRuntimeUnavailable Code = "runtime_unavailable"
	CodeRuntimeError       Code = "runtime_error"
	CodeInternal           Code = "internal"
)

// Error pairs a taxonomy code with a one-line human message. The message must
// never contain security-sensitive payload data (env values, file contents).
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause. The cause is kept for
// logs and unwrapping; only Message is shown to clients.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors report as internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for err. Unclassified errors get
// a generic message so internal details never leak to the wire.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code to an HTTP status for the RPC surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeETagConflict, CodeCancelled:
		return http.StatusConflict
	case CodeImagePolicy:
		return http.StatusForbidden
	case CodeInvalidArgument, CodePathViolation:
		return http.StatusBadRequest
	case CodeConcurrencyLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRuntimeError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
