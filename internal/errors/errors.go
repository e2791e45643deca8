// Package errors defines the stable error taxonomy shared by the query
// engine and the HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// DumpNotFound indicates no dump covers the requested (repository, commit, path)
	DumpNotFound ErrorCode = "DUMP_NOT_FOUND"
	// UnknownJobStatus indicates a queue query used a status outside the recognized set
	UnknownJobStatus ErrorCode = "UNKNOWN_JOB_STATUS"
	// StorageFailure indicates a corrupt or unreadable dump store
	StorageFailure ErrorCode = "STORAGE_FAILURE"
	// XrepoUnavailable indicates the cross-repository index could not be queried
	XrepoUnavailable ErrorCode = "XREPO_UNAVAILABLE"
	// MalformedCursor indicates a pagination cursor failed validation
	MalformedCursor ErrorCode = "MALFORMED_CURSOR"
	// InternalError indicates an unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// Error is a typed error carrying a stable code alongside the message.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// New creates a typed error with the given code and message.
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Newf creates a typed error with a formatted message.
func Newf(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches details to the error
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from an error chain, or InternalError
// when the chain carries no typed error.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return InternalError
}

// IsDumpNotFound reports whether the error chain carries DumpNotFound.
// This is the one error the engine recovers from: Exists maps it to false.
func IsDumpNotFound(err error) bool {
	return CodeOf(err) == DumpNotFound
}

// IsMalformedCursor reports whether the error chain carries MalformedCursor.
func IsMalformedCursor(err error) bool {
	return CodeOf(err) == MalformedCursor
}
