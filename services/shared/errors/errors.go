// Package errors provides the gateway's coded error type and its HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable reason code returned to callers.
type Code string

const (
	// General errors
	CodeInternal      Code = "INTERNAL"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeConfigInvalid Code = "CONFIG_INVALID"

	// Authentication
	CodeMissingCredentials Code = "MISSING_CREDENTIALS"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenMalformed     Code = "TOKEN_MALFORMED"

	// Authorization
	CodeNoMatchingRoute         Code = "NO_MATCHING_ROUTE"
	CodeRoleNotPermitted        Code = "ROLE_NOT_PERMITTED"
	CodeServicePermissionDenied Code = "SERVICE_PERMISSION_DENIED"

	// Gateway
	CodeRouteNotFound      Code = "ROUTE_NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeBackendUnreachable Code = "BACKEND_UNREACHABLE"
	CodeBackendTimeout     Code = "BACKEND_TIMEOUT"
)

// Error is the gateway's error type: a code, a caller-safe message and an
// optional cause that is only ever logged.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, Err: e.Err}
}

// Wrap returns a copy of the error with err as its cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details, Err: err}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// AlreadyExists creates an already exists error.
func AlreadyExists(message string) *Error {
	return New(CodeAlreadyExists, message)
}

// MissingCredentials creates an error for a request without a bearer token.
func MissingCredentials(message string) *Error {
	return New(CodeMissingCredentials, message)
}

// InvalidCredentials creates an invalid credentials error.
func InvalidCredentials(message string) *Error {
	return New(CodeInvalidCredentials, message)
}

// TokenExpired creates a token expired error.
func TokenExpired(message string) *Error {
	return New(CodeTokenExpired, message)
}

// TokenMalformed creates an error for a token with a bad signature or shape.
func TokenMalformed(message string) *Error {
	return New(CodeTokenMalformed, message)
}

// RouteNotFound creates a route not found error.
func RouteNotFound(message string) *Error {
	return New(CodeRouteNotFound, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// ServiceUnavailable creates an error for a backend known to be unhealthy.
func ServiceUnavailable(message string) *Error {
	return New(CodeServiceUnavailable, message)
}

// BackendUnreachable creates an error for a failed backend connection.
func BackendUnreachable(message string, err error) *Error {
	return Wrap(CodeBackendUnreachable, message, err)
}

// BackendTimeout creates an error for a backend that exceeded its timeout.
func BackendTimeout(message string, err error) *Error {
	return Wrap(CodeBackendTimeout, message, err)
}

// HTTPStatusCode returns the HTTP status for the error's code.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput, CodeConfigInvalid:
		return http.StatusBadRequest
	case CodeMissingCredentials, CodeInvalidCredentials, CodeTokenExpired, CodeTokenMalformed:
		return http.StatusUnauthorized
	case CodeNoMatchingRoute, CodeRoleNotPermitted, CodeServicePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeRouteNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBackendUnreachable:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As converts err to *Error. Errors without a code become internal errors
// whose message is safe to show to callers.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalWrap("internal server error", err)
}
