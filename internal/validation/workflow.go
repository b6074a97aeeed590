package validation

import (
	"encoding/json"

	"github.com/rendis/leadflow/pkg/schema"
)

// GraphValidator runs both validation stages over a graph document:
//  1. Structural (JSON Schema) on the decoded document.
//  2. Semantic on the typed GraphDefinition.
//
// Problems from both stages are collected; the second stage is skipped only
// when the document cannot be decoded at all.
type GraphValidator struct {
	schemas  *SchemaValidator
	handlers HandlerLookup
}

// NewGraphValidator creates a GraphValidator. lookup may be nil to skip
// handler registration checks.
func NewGraphValidator(lookup HandlerLookup) (*GraphValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{schemas: sv, handlers: lookup}, nil
}

// Schemas exposes the underlying SchemaValidator for output checks.
func (gv *GraphValidator) Schemas() *SchemaValidator {
	return gv.schemas
}

// ValidateDocument validates a decoded document and, when it decodes,
// returns the typed definition alongside the result.
func (gv *GraphValidator) ValidateDocument(doc any) (*schema.GraphDefinition, *schema.ValidationResult) {
	result := gv.schemas.ValidateDocument(doc)

	def, err := decodeDefinition(doc)
	if err != nil {
		result.AddError("/", schema.IssueStructural, "cannot decode graph document: "+err.Error())
		return nil, result
	}

	result.Merge(validateSemantic(def, gv.handlers, gv.schemas))
	return def, result
}

// Validate runs the semantic stage on an already typed definition.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueStructural, "graph definition is nil")
		return r
	}
	doc, err := toPlain(def)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueStructural, err.Error())
		return r
	}
	_, result := gv.ValidateDocument(doc)
	return result
}

func decodeDefinition(doc any) (*schema.GraphDefinition, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var def schema.GraphDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func toPlain(def *schema.GraphDefinition) (any, error) {
	cp := *def
	if cp.Steps == nil {
		cp.Steps = []schema.StepDefinition{}
	}
	b, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
