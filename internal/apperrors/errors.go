// Package apperrors provides semantic error codes shared by the detection,
// resolution, escalation, and API layers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the class of an engine error.
type ErrorCode string

const (
	// Validation errors
	ErrorCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrorCodeRequiredField ErrorCode = "REQUIRED_FIELD"
	ErrorCodeInvalidValue  ErrorCode = "INVALID_VALUE"

	// Resource errors
	ErrorCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrorCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrorCodeWriteConflict ErrorCode = "WRITE_CONFLICT"

	// Resolution errors
	ErrorCodeStrategyInapplicable ErrorCode = "STRATEGY_INAPPLICABLE"
	ErrorCodeLowConfidence        ErrorCode = "CONFIDENCE_BELOW_THRESHOLD"
	ErrorCodeIllegalTransition    ErrorCode = "ILLEGAL_STATE_TRANSITION"

	// Dependency errors
	ErrorCodeScorerUnavailable  ErrorCode = "SCORER_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// System errors
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// EngineError is the standard error carrier across the engine.
type EngineError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *EngineError) Unwrap() error {
	return e.cause
}

// WithTraceID attaches a trace ID for correlated logging.
func (e *EngineError) WithTraceID(traceID string) *EngineError {
	e.TraceID = traceID
	return e
}

// New creates an EngineError with a code and message.
func New(code ErrorCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Newf creates an EngineError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an EngineError wrapping an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the error code from err, or INTERNAL_ERROR if err is not
// an EngineError.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrorCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ToHTTPStatus maps an error code to an HTTP status for the query API.
func (e *EngineError) ToHTTPStatus() int {
	switch e.Code {
	case ErrorCodeValidation, ErrorCodeRequiredField, ErrorCodeInvalidValue:
		return http.StatusBadRequest
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeAlreadyExists, ErrorCodeWriteConflict, ErrorCodeIllegalTransition:
		return http.StatusConflict
	case ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrorCodeScorerUnavailable, ErrorCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
