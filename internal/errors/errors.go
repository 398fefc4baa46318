// Package errors provides coded domain errors shared by the field agent and the API server.
//
// Callers match on codes with errors.Is against the sentinels:
//
//	if errors.Is(err, errors.ErrDuplicate) {
//	    // tell the operator the tag is already in the batch
//	}
//
// The API server maps codes to HTTP statuses with Code.HTTPStatus, and the
// remote client maps HTTP statuses back to codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeNoActiveBatch     Code = "NO_ACTIVE_BATCH"
	CodeBatchClosed       Code = "BATCH_CLOSED"
	CodeDuplicate         Code = "DUPLICATE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeCascadeFailure    Code = "CASCADE_FAILURE"
	CodeStore             Code = "STORE"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInternal          Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeNoActiveBatch, CodeBatchClosed, CodeDuplicate:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeCascadeFailure:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Sentinel errors for use with errors.Is().
var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "validation error"}
	ErrNoActiveBatch     = &Error{Code: CodeNoActiveBatch, Message: "no active batch selected"}
	ErrBatchClosed       = &Error{Code: CodeBatchClosed, Message: "batch is closed"}
	ErrDuplicate         = &Error{Code: CodeDuplicate, Message: "tag already scanned in this batch"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflict"}
	ErrRemoteUnavailable = &Error{Code: CodeRemoteUnavailable, Message: "remote unavailable"}
	ErrCascadeFailure    = &Error{Code: CodeCascadeFailure, Message: "cascade delete failed"}
	ErrStore             = &Error{Code: CodeStore, Message: "local store failure"}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
)

// IsValidation reports whether err was raised by input validation, which
// includes the three scan rejections. Validation errors are never retried.
func IsValidation(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case CodeValidation, CodeNoActiveBatch, CodeBatchClosed, CodeDuplicate:
		return true
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

// RemoteUnavailable wraps a transport failure talking to the record store.
func RemoteUnavailable(err error, msg string) *Error {
	return &Error{Code: CodeRemoteUnavailable, Message: msg, cause: err}
}

// CascadeFailure reports that a batch delete stopped after a child delete failed.
func CascadeFailure(batchID string, err error) *Error {
	return &Error{Code: CodeCascadeFailure, Message: fmt.Sprintf("batch %s not deleted remotely", batchID), cause: err}
}

// Store wraps a local persistence failure.
func Store(err error, msg string) *Error {
	return &Error{Code: CodeStore, Message: msg, cause: err}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}
