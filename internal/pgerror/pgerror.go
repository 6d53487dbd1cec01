// Package pgerror defines structured errors shaped like PostgreSQL error
// responses: a severity, a SQLSTATE code, a message and an optional hint.
// Errors from this package travel unmodified onto the wire as ErrorResponse
// messages, so message texts match what a real PostgreSQL server reports.
package pgerror

import (
	"errors"
	"fmt"
	"strings"
)

// SQLSTATE codes used by the gateway.
const (
	CodeProtocolViolation      = "08P01"
	CodeConnectionFailure      = "08006"
	CodeInvalidParameterValue  = "22023"
	CodeBadCopyFormat          = "22P04"
	CodeUndefinedObject        = "42704"
	CodeCantChangeRuntimeParam = "55P02"
	CodeInFailedTransaction    = "25P02"
	CodeSyntaxError            = "42601"
	CodeInternalError          = "XX000"
)

// Error is a PostgreSQL-shaped error.
type Error struct {
	Severity string
	Code     string
	Message  string
	Hint     string
}

func (e *Error) Error() string {
	return e.Message
}

// New creates an ERROR-severity error with the given SQLSTATE code.
func New(code, format string, args ...interface{}) *Error {
	return &Error{
		Severity: "ERROR",
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// WithHint returns a copy of the error carrying a client hint.
func (e *Error) WithHint(hint string) *Error {
	clone := *e
	clone.Hint = hint
	return &clone
}

// Fatal creates a connection-terminating error.
func Fatal(code, format string, args ...interface{}) *Error {
	e := New(code, format, args...)
	e.Severity = "FATAL"
	return e
}

// UnrecognizedParameter reports an unknown configuration parameter name.
func UnrecognizedParameter(name string) *Error {
	return New(CodeUndefinedObject, "unrecognized configuration parameter %q", name)
}

// InvalidParameterValue reports a value that failed type validation.
func InvalidParameterValue(name, value string) *Error {
	return New(CodeInvalidParameterValue, "invalid value for parameter %q: %q", name, value)
}

// InvalidEnumValue reports an out-of-set enum value and hints the allowed set.
func InvalidEnumValue(name, value string, allowed []string) *Error {
	return InvalidParameterValue(name, value).
		WithHint(fmt.Sprintf("Available values: %s.", strings.Join(allowed, ", ")))
}

// RequiresBool reports a non-boolean value for a boolean parameter.
func RequiresBool(name string) *Error {
	return New(CodeInvalidParameterValue, "parameter %q requires a Boolean value", name)
}

// From extracts the structured error from err, wrapping foreign errors as
// internal errors so every failure can be rendered as an ErrorResponse.
func From(err error) *Error {
	var pgErr *Error
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return New(CodeInternalError, "%s", err.Error())
}
