package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced to bus callers.
type ErrorCode string

const (
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"
	CodeMissingField     ErrorCode = "MISSING_FIELD"
	CodeInvalidSubject   ErrorCode = "INVALID_SUBJECT"
	CodeValidationError  ErrorCode = "VALIDATION_ERROR"
	CodeValueTooLarge    ErrorCode = "VALUE_TOO_LARGE"
	CodeDatabaseError    ErrorCode = "DATABASE_ERROR"
	CodeLockTimeout      ErrorCode = "LOCK_TIMEOUT"
	CodeMigrationFailed  ErrorCode = "MIGRATION_FAILED"
	CodeRollbackFailed   ErrorCode = "ROLLBACK_FAILED"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded error carried from the engines to the bus boundary.
// The message is safe to return to callers; raw driver errors are wrapped
// as DATABASE_ERROR with the driver text kept only in the wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error around a cause. The cause is retained for
// logging but never serialized to callers.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ValidationErrorf creates a VALIDATION_ERROR. Messages must name the
// offending field so callers can fix their input.
func ValidationErrorf(format string, args ...any) *Error {
	return NewError(CodeValidationError, format, args...)
}

// MissingFieldError reports a required key absent from a request envelope.
func MissingFieldError(field string) *Error {
	return NewError(CodeMissingField, "missing required field: %s", field)
}

// DatabaseError wraps an engine failure. The caller-visible message carries
// the operation name only.
func DatabaseError(op string, cause error) *Error {
	return WrapError(CodeDatabaseError, cause, "database error during %s", op)
}

// CodeOf extracts the error code from err, walking the wrap chain.
// Unknown errors map to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// MessageOf extracts the caller-safe message from err. Unknown errors get a
// generic message so internal details never leak onto the bus.
func MessageOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return "internal error"
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
