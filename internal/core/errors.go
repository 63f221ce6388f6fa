package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Code identifies an error class in audit records, events, API responses,
// and CLI exit handling. The set is closed; callers switch on it to decide
// retry versus DLQ versus surfacing.
type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeConflict     Code = "conflict"
	CodeExpired      Code = "expired"
	CodeRateLimited  Code = "rate_limited"
	CodeRetryable    Code = "retryable"
	CodeFatal        Code = "fatal"
)

// Error is the coded error crossing component boundaries. Secrets must
// never appear in Message or Remediation.
type Error struct {
	Code          Code
	Message       string
	Remediation   string
	Retriable     bool
	CorrelationID string

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.err
}

// WithRemediation attaches a short operator hint.
func (e *Error) WithRemediation(hint string) *Error {
	e.Remediation = hint
	return e
}

// WithCorrelationID stamps the error with a boundary-assigned id (job id,
// request id). Assigned once at the surface, not at construction.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// EnsureCorrelationID fills in a generated id when the boundary did not
// provide one, and returns it.
func EnsureCorrelationID(e *Error) string {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e.CorrelationID
}

// NewError creates a coded error. Retriable is derived from the code.
func NewError(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retriable: code == CodeRetryable || code == CodeRateLimited,
	}
}

// NewErrorf creates a coded error with a formatted message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError attaches a code to an existing cause, preserving the chain for
// errors.Is / errors.As.
func WrapError(code Code, err error, message string) *Error {
	e := NewError(code, message)
	e.err = err
	if message == "" && err != nil {
		e.Message = err.Error()
	}
	return e
}

// Classify maps any error chain to its Code. Unclassified errors are
// fatal: unknown failures self-heal by operator action, not by retry.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeFatal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return Classify(err) == code
}

// Retriable reports whether the error may be retried with backoff.
func Retriable(err error) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Retriable
	}
	return false
}

// CorrelationID extracts the correlation id from the chain, or "".
func CorrelationID(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.CorrelationID
	}
	return ""
}

// HTTPStatus maps a code to the ops API response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps a code to the CLI exit convention: 0 success, 1 error,
// 2 RBAC denied.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if IsCode(err, CodeUnauthorized) {
		return 2
	}
	return 1
}

// ErrorList collects multiple errors, used by DAG and config validation.
type ErrorList []error

// Add appends a non-nil error.
func (e *ErrorList) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors reports whether any error was collected.
func (e ErrorList) HasErrors() bool {
	return len(e) > 0
}

// ToStringList returns the list of errors as a slice of strings.
func (e ErrorList) ToStringList() []string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return errStrings
}

// Error implements the error interface.
// It returns a string with all the errors separated by a semicolon.
func (e ErrorList) Error() string {
	errStrings := make([]string, len(e))
	for i, err := range e {
		errStrings[i] = err.Error()
	}
	return strings.Join(errStrings, "; ")
}

// Unwrap implements the errors.Unwrap interface so errors.Is checks
// against each member.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// ValidationError carries field context for malformed input.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("field '%s': %v (value: %+v)", e.Field, e.Err, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps an error with field context.
func NewValidationError(field string, value any, err error) error {
	return &ValidationError{
		Field: field,
		Value: value,
		Err:   err,
	}
}
