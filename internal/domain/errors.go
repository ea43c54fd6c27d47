package domain

import (
	"errors"
	"fmt"
	"time"
)

// DiagnosisError represents a standardized error surfaced to callers of the
// diagnosis service.
type DiagnosisError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	cause     error
}

// Error implements the error interface
func (e *DiagnosisError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *DiagnosisError) Unwrap() error {
	return e.cause
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput   = "INVALID_INPUT"
	ErrValidation     = "VALIDATION_ERROR"
	ErrRuleBase       = "RULE_BASE_ERROR"
	ErrSession        = "SESSION_ERROR"
	ErrInternalServer = "INTERNAL_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewDiagnosisError creates a new DiagnosisError with timestamp
func NewDiagnosisError(code, message, sessionID string, cause error) *DiagnosisError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &DiagnosisError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		cause:     cause,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrorCode maps an error to the code a caller should report.
func ErrorCode(err error) string {
	var de *DiagnosisError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return de.Code
	case IsValidationError(err):
		return ErrValidation
	case errors.Is(err, ErrEmptyBatch):
		return ErrInvalidInput
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionCompleted):
		return ErrSession
	default:
		return ErrInternalServer
	}
}
