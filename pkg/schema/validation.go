package schema

import (
	"fmt"
	"strings"
)

// Issue codes attached to individual validation problems.
const (
	IssueStructural        = "STRUCTURAL"
	IssueDuplicateStep     = "DUPLICATE_STEP"
	IssueReservedStepID    = "RESERVED_STEP_ID"
	IssueUnknownHandler    = "UNKNOWN_HANDLER"
	IssueMalformedRef      = "MALFORMED_REFERENCE"
	IssueForwardRef        = "FORWARD_REFERENCE"
	IssueUnknownStepRef    = "UNKNOWN_STEP_REFERENCE"
	IssueInvalidTimeout    = "INVALID_TIMEOUT"
	IssueInvalidOutputHint = "INVALID_OUTPUT_SCHEMA"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues found while loading a graph.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a *GraphValidationError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	issues := make([]ValidationIssue, len(r.Errors))
	copy(issues, r.Errors)
	return &GraphValidationError{Issues: issues}
}

// GraphValidationError is the load-time failure carrying every problem found
// in a graph document. No run is attempted for a graph that produced one.
type GraphValidationError struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *GraphValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("[%s] %s: %s", ErrCodeGraphValidation, e.Issues[0].Path, e.Issues[0].Message)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] graph has %d problems:", ErrCodeGraphValidation, len(e.Issues))
	for _, is := range e.Issues {
		fmt.Fprintf(&b, " %s: %s;", is.Path, is.Message)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Is makes errors.Is(err, ErrGraphValidation) hold.
func (e *GraphValidationError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	return ok && t.Code == ErrCodeGraphValidation
}

// HasCode reports whether any issue carries the given code.
func (e *GraphValidationError) HasCode(code string) bool {
	for _, is := range e.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}
