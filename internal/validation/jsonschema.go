package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const graphSchemaURL = "https://leadflow.dev/schemas/graph.json"

// graphSchemaJSON describes a graph document before it is decoded.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://leadflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "workflow_name": { "type": "string" },
    "description": { "type": "string" },
    "inputs": { "type": "object" },
    "config": { "type": "object" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "anyOf": [
        { "required": ["handler"] },
        { "required": ["agent"] }
      ],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "handler": { "type": "string", "minLength": 1 },
        "agent": { "type": "string", "minLength": 1 },
        "inputs": { "type": "object" },
        "instructions": { "type": "string" },
        "tools": {
          "type": "array",
          "items": { "$ref": "#/$defs/tool" }
        },
        "output_schema": { "type": ["object", "boolean"] },
        "timeout": { "type": "string" }
      },
      "additionalProperties": false
    },
    "tool": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks graph documents against the graph schema and step
// outputs against their declared output_schema. Safe for concurrent use.
type SchemaValidator struct {
	graphSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the graph schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	sch, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &SchemaValidator{
		graphSchema: sch,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a decoded graph document (JSON or YAML) and
// returns one structural issue per schema violation.
func (v *SchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	val, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.IssueStructural, "document is not JSON-representable: "+err.Error())
		return result
	}

	if err := v.graphSchema.Validate(val); err != nil {
		addViolations(result, err)
	}
	return result
}

// CheckOutputSchema reports whether raw compiles as a JSON Schema.
func (v *SchemaValidator) CheckOutputSchema(raw json.RawMessage) error {
	_, err := v.getOrCompile(raw)
	return err
}

// ValidateOutput checks a handler output against raw. An empty schema
// accepts everything.
func (v *SchemaValidator) ValidateOutput(output map[string]any, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	sch, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeHandlerExecution, "invalid output schema").WithCause(err)
	}

	if output == nil {
		output = map[string]any{}
	}
	val, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeHandlerExecution, "output is not JSON-representable").WithCause(err)
	}

	if err := sch.Validate(val); err != nil {
		violations := violationsOf(err)
		return schema.NewErrorf(schema.ErrCodeHandlerExecution,
			"output does not match output_schema: %s", strings.Join(violations, "; ")).
			WithCause(err).
			WithDetails(map[string]any{"violations": violations})
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// One compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("leadflow://output-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.IssueStructural, err.Error())
		return
	}
	for _, leaf := range leaves(verr) {
		result.AddError(instancePath(leaf), schema.IssueStructural, leaf.Error())
	}
}

func violationsOf(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, leaf := range leaves(verr) {
		out = append(out, fmt.Sprintf("%s: %s", instancePath(leaf), leaf.Error()))
	}
	return out
}

// leaves flattens a ValidationError tree to its most specific causes.
func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, c := range verr.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func instancePath(verr *jsonschema.ValidationError) string {
	if len(verr.InstanceLocation) == 0 {
		return "/"
	}
	return "/" + strings.Join(verr.InstanceLocation, "/")
}
