package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodePreconditionFailed = "PRECONDITIONS_FAILED"
	ErrCodeHandler            = "HANDLER_ERROR"
	ErrCodeUnknownAction      = "UNKNOWN_ACTION_TYPE"
	ErrCodeOracleUnavailable  = "ORACLE_UNAVAILABLE"
	ErrCodeOracleTimeout      = "ORACLE_TIMEOUT"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeQueue              = "QUEUE_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
)

// SagaError is the structured error type for all sagaflow operations.
type SagaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  int            `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SagaError) Error() string {
	if e.StepID != 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class permits another attempt.
// Validation, unknown-action, not-found and invalid-transition failures are
// deterministic and never worth retrying; an open circuit fails fast by
// definition and must not consume a retry attempt.
func (e *SagaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeUnknownAction, ErrCodeNotFound,
		ErrCodeInvalidTransition, ErrCodeCircuitOpen, ErrCodeCancelled,
		ErrCodeConflict:
		return false
	}
	return true
}

// NewError creates a new SagaError.
func NewError(code, message string) *SagaError {
	return &SagaError{Code: code, Message: message}
}

// NewErrorf creates a new SagaError with a formatted message.
func NewErrorf(code, format string, args ...any) *SagaError {
	return &SagaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *SagaError) WithStep(stepID int) *SagaError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *SagaError) WithCause(err error) *SagaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SagaError) WithDetails(details map[string]any) *SagaError {
	e.Details = details
	return e
}
