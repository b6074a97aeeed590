package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraphValidation    = "GRAPH_VALIDATION_ERROR"
	ErrCodeResolution         = "RESOLUTION_ERROR"
	ErrCodeHandlerExecution   = "HANDLER_EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeInvariant          = "INVARIANT_VIOLATION"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeHandlerUnavailable = "HANDLER_UNAVAILABLE"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// UpstreamFailedCause is the cause recorded on steps skipped because a step
// they depend on failed.
const UpstreamFailedCause = "upstream dependency failed"

// Sentinels usable with errors.Is against any *PipelineError carrying the same code.
var (
	ErrGraphValidation  = &PipelineError{Code: ErrCodeGraphValidation}
	ErrResolution       = &PipelineError{Code: ErrCodeResolution}
	ErrHandlerExecution = &PipelineError{Code: ErrCodeHandlerExecution}
	ErrTimeout          = &PipelineError{Code: ErrCodeTimeout}
	ErrUpstreamFailed   = &PipelineError{Code: ErrCodeUpstreamFailed}
	ErrInvariant        = &PipelineError{Code: ErrCodeInvariant}
	ErrCancelled        = &PipelineError{Code: ErrCodeCancelled}
	ErrNotFound         = &PipelineError{Code: ErrCodeNotFound}
	ErrConflict         = &PipelineError{Code: ErrCodeConflict}
	ErrStore            = &PipelineError{Code: ErrCodeStore}
)

// PipelineError is the structured error type for all leadflow operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches any *PipelineError with the same code, so the sentinels above
// work with errors.Is.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PipelineError) WithStep(stepID string) *PipelineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first PipelineError in err's chain, or ""
// when there is none.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
