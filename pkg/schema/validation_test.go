package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].handler", IssueUnknownHandler, "handler not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].handler", r.Errors[0].Path)
	assert.Equal(t, IssueUnknownHandler, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].timeout", IssueInvalidTimeout, "very long timeout")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", IssueStructural, "err1")
	r1.AddWarning("/", IssueStructural, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", IssueDuplicateStep, "err2")
	r2.Merge(nil)

	r1.Merge(r2)
	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_CarriesEveryIssue(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[1].id", IssueDuplicateStep, "duplicate step id \"a\"")
	r.AddError("steps[2].inputs.x", IssueForwardRef, "references later step \"c\"")

	err := r.ToError()
	require.Error(t, err)

	var gve *GraphValidationError
	require.True(t, errors.As(err, &gve))
	assert.Len(t, gve.Issues, 2)
	assert.True(t, gve.HasCode(IssueForwardRef))
	assert.False(t, gve.HasCode(IssueUnknownHandler))
	assert.True(t, errors.Is(err, ErrGraphValidation))
	assert.Contains(t, err.Error(), "2 problems")
}

func TestPipelineError_Is(t *testing.T) {
	err := NewErrorf(ErrCodeResolution, "path %q not found", "a.b").WithStep("score")

	assert.True(t, errors.Is(err, ErrResolution))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ErrCodeResolution, CodeOf(err))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "step score")
}

func TestPipelineError_Unwrap(t *testing.T) {
	root := errors.New("connection reset")
	err := NewError(ErrCodeHandlerExecution, "send failed").WithCause(root)
	assert.True(t, errors.Is(err, root))
}

func TestFindTool(t *testing.T) {
	tools := []ToolDescriptor{
		{Name: "ApolloAPI", Config: map[string]any{"api_key": "k"}},
		{Name: "ClayAPI"},
	}
	tool := FindTool(tools, "apolloapi")
	require.NotNil(t, tool)
	assert.Equal(t, "k", tool.ConfigString("api_key"))
	assert.Nil(t, FindTool(tools, "BuiltWith"))

	var missing *ToolDescriptor
	assert.Equal(t, "", missing.ConfigString("api_key"))
}

func TestStepDefinition_HandlerName(t *testing.T) {
	assert.Equal(t, "ScoringAgent", (&StepDefinition{Agent: "ScoringAgent"}).HandlerName())
	assert.Equal(t, "A", (&StepDefinition{Handler: "A", Agent: "B"}).HandlerName())
}
