package director

import (
	"errors"
	"fmt"
)

// Error type constants for classification and matching
const (
	// ErrorTypeValidation indicates malformed input: an unknown workflow
	// or execution ID, a malformed step, or an unregistered action name.
	ErrorTypeValidation = "validation_error"

	// ErrorTypeResourceExhausted indicates no session became available
	// within the bounded acquisition wait.
	ErrorTypeResourceExhausted = "resource_exhausted"

	// ErrorTypeActionFailed indicates the delegated action raised an error.
	ErrorTypeActionFailed = "action_failed"

	// ErrorTypeDeadlock indicates the parallel executor made zero progress
	// in a round while steps remained incomplete.
	ErrorTypeDeadlock = "deadlock_detected"

	// ErrorTypeRecovery indicates recovery was requested for an execution
	// with no checkpoint available.
	ErrorTypeRecovery = "recovery_failed"
)

// Error is a structured orchestration error with classification.
// It supports Go's error wrapping patterns with Unwrap() method.
type Error struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new Error with the specified type and cause.
func NewError(errorType, cause string) *Error {
	return &Error{Type: errorType, Cause: cause}
}

// NewValidationError creates a validation error with a formatted cause.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrorTypeValidation, fmt.Sprintf(format, args...))
}

// NewDeadlockError creates a deadlock error with a formatted cause.
func NewDeadlockError(format string, args ...any) *Error {
	return NewError(ErrorTypeDeadlock, fmt.Sprintf(format, args...))
}

// NewRecoveryError creates a recovery error with a formatted cause.
func NewRecoveryError(format string, args ...any) *Error {
	return NewError(ErrorTypeRecovery, fmt.Sprintf(format, args...))
}

// WrapActionError wraps an action failure, preserving the original error.
func WrapActionError(err error) *Error {
	return &Error{
		Type:    ErrorTypeActionFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// WrapResourceError wraps a session acquisition failure.
func WrapResourceError(err error) *Error {
	return &Error{
		Type:    ErrorTypeResourceExhausted,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// Classify attempts to classify a regular error into a structured Error.
// Unknown errors default to action failures, which keeps them retryable.
func Classify(err error) *Error {
	var orchestrationError *Error
	if errors.As(err, &orchestrationError) {
		return orchestrationError
	}
	return WrapActionError(err)
}

// IsErrorType checks whether an error matches a given error type.
func IsErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return Classify(err).Type == errorType
}
