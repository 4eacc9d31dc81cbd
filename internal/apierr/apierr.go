// Package apierr defines the public error taxonomy returned at the HTTP
// boundary and propagated between core components.
package apierr

import (
	"errors"
	"fmt"
)

// Code is one of the public error taxonomy codes from the core spec's error
// handling design.
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeValidation             Code = "validation_error"
	CodeInvalidPath            Code = "invalid_path"
	CodeCapabilityNotSupported Code = "capability_not_supported"
	CodeConflict               Code = "conflict"
	CodeSandboxExpired         Code = "sandbox_expired"
	CodeSandboxTTLInfinite     Code = "sandbox_ttl_infinite"
	CodeFileNotFound           Code = "file_not_found"
	CodeQuotaExceeded          Code = "quota_exceeded"
	CodeSessionNotReady        Code = "session_not_ready"
	CodeRuntimeError           Code = "runtime_error"
	CodeShipError              Code = "ship_error"
	CodeTimeout                Code = "timeout"
	CodeInternal               Code = "internal_error"
)

// httpStatus maps each code to the status line the API layer should send.
var httpStatus = map[Code]int{
	CodeNotFound:               404,
	CodeUnauthorized:           401,
	CodeForbidden:              403,
	CodeValidation:             400,
	CodeInvalidPath:            400,
	CodeCapabilityNotSupported: 400,
	CodeConflict:               409,
	CodeSandboxExpired:         409,
	CodeSandboxTTLInfinite:     409,
	CodeFileNotFound:           404,
	CodeQuotaExceeded:          429,
	CodeSessionNotReady:        503,
	CodeRuntimeError:           502,
	CodeShipError:              502,
	CodeTimeout:                504,
	CodeInternal:               500,
}

// Error is the typed error carried through the core and translated at the
// HTTP boundary. It never needs string-matching: callers use errors.As to
// recover it.
type Error struct {
	Code         Code
	Message      string
	RetryAfterMs int64 // non-zero only for session_not_ready / quota_exceeded
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the API layer should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return 500
}

func new_(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func NotFound(msg string) *Error       { return new_(CodeNotFound, msg, nil) }
func Unauthorized(msg string) *Error   { return new_(CodeUnauthorized, msg, nil) }
func Forbidden(msg string) *Error      { return new_(CodeForbidden, msg, nil) }
func Validation(msg string) *Error     { return new_(CodeValidation, msg, nil) }
func InvalidPath(msg string) *Error    { return new_(CodeInvalidPath, msg, nil) }
func FileNotFound(msg string) *Error   { return new_(CodeFileNotFound, msg, nil) }
func QuotaExceeded(msg string) *Error  { return new_(CodeQuotaExceeded, msg, nil) }
func SandboxExpired(msg string) *Error { return new_(CodeSandboxExpired, msg, nil) }

func SandboxTTLInfinite(msg string) *Error {
	return new_(CodeSandboxTTLInfinite, msg, nil)
}

func CapabilityNotSupported(msg string) *Error {
	return new_(CodeCapabilityNotSupported, msg, nil)
}

func Conflict(msg string) *Error { return new_(CodeConflict, msg, nil) }

// SessionNotReady carries a retry-after hint in milliseconds.
func SessionNotReady(msg string, retryAfterMs int64) *Error {
	e := new_(CodeSessionNotReady, msg, nil)
	e.RetryAfterMs = retryAfterMs
	return e
}

func RuntimeError(msg string, cause error) *Error { return new_(CodeRuntimeError, msg, cause) }
func ShipError(msg string, cause error) *Error    { return new_(CodeShipError, msg, cause) }
func Timeout(msg string, cause error) *Error      { return new_(CodeTimeout, msg, cause) }
func Internal(msg string, cause error) *Error     { return new_(CodeInternal, msg, cause) }

// As recovers an *Error from err, or reports ok=false.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, defaulting to internal_error for
// anything that isn't an *Error — storage/driver errors are never exposed
// raw per the propagation policy.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
