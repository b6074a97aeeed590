package validation

import (
	"encoding/json"
	"testing"

	"github.com/rendis/leadflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator_ValidateOutput(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	hint := json.RawMessage(`{
	  "type": "object",
	  "required": ["ranked_leads", "average_score"],
	  "properties": {
	    "ranked_leads": {"type": "array"},
	    "average_score": {"type": "number", "minimum": 0}
	  }
	}`)

	assert.NoError(t, sv.ValidateOutput(map[string]any{
		"ranked_leads":  []any{},
		"average_score": 71.5,
	}, hint))

	err = sv.ValidateOutput(map[string]any{"ranked_leads": "nope"}, hint)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)
	assert.Contains(t, err.Error(), "output_schema")

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	violations, ok := pe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestSchemaValidator_IntegersAndEmptySchema(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	hint := json.RawMessage(`{"properties": {"count": {"type": "integer"}}}`)
	assert.NoError(t, sv.ValidateOutput(map[string]any{"count": 5}, hint))
	assert.NoError(t, sv.ValidateOutput(map[string]any{"count": 5.0}, hint))
	assert.Error(t, sv.ValidateOutput(map[string]any{"count": 5.5}, hint))

	assert.NoError(t, sv.ValidateOutput(map[string]any{"anything": true}, nil))
	assert.NoError(t, sv.ValidateOutput(nil, json.RawMessage(`{"type": "object"}`)))
}

func TestSchemaValidator_CheckOutputSchema(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, sv.CheckOutputSchema(json.RawMessage(`{"type": "object"}`)))
	assert.NoError(t, sv.CheckOutputSchema(json.RawMessage(`true`)))
	assert.Error(t, sv.CheckOutputSchema(json.RawMessage(`{"type": 12}`)))
	assert.Error(t, sv.CheckOutputSchema(json.RawMessage(`{not json`)))

	err = sv.ValidateOutput(map[string]any{}, json.RawMessage(`{"type": 12}`))
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)
}

func TestSchemaValidator_DocumentPaths(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"steps": [{"id": "a", "handler": 5}]}`), &doc))

	result := sv.ValidateDocument(doc)
	require.False(t, result.Valid())
	assert.Equal(t, "/steps/0/handler", result.Errors[0].Path)
}
