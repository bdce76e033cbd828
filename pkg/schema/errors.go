package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTransient          = "TRANSIENT"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeNavigation         = "NAVIGATION_FAILED"
	ErrCodeElementNotFound    = "ELEMENT_NOT_FOUND"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodePermanent          = "PERMANENT"
	ErrCodeAssertion          = "ASSERTION_FAILED"
	ErrCodeInvalidParams      = "INVALID_PARAMS"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeVault              = "VAULT_ERROR"
)

// transientCodes lists the codes a retry policy may act on.
var transientCodes = map[string]bool{
	ErrCodeTransient:          true,
	ErrCodeTimeout:            true,
	ErrCodeNavigation:         true,
	ErrCodeElementNotFound:    true,
	ErrCodeNetwork:            true,
	ErrCodeBackendUnavailable: true,
}

// EngineError is the structured error type used across the engine, its
// backends and its stores.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code describes a transient failure.
func (e *EngineError) IsRetryable() bool {
	return transientCodes[e.Code]
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first EngineError in err's chain, or "".
func ErrorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
