package validation

import (
	"fmt"
	"time"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

// validateSemantic checks what the structural schema cannot: step id
// uniqueness and reservation, handler registration, reference syntax and
// ordering, timeouts, and output_schema compilability. Every step is checked
// even after earlier failures.
func validateSemantic(def *schema.GraphDefinition, lookup HandlerLookup, sv *SchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	declared := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, ok := declared[s.ID]; !ok && s.ID != "" {
			declared[s.ID] = i
		}
	}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		switch {
		case schema.IsReservedNamespace(step.ID):
			result.AddError(path+".id", schema.IssueReservedStepID,
				fmt.Sprintf("step id %q is reserved", step.ID))
		case step.ID != "" && seen[step.ID]:
			result.AddError(path+".id", schema.IssueDuplicateStep,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}

		if name := step.HandlerName(); name != "" && lookup != nil && !lookup.Has(name) {
			result.AddError(path+".handler", schema.IssueUnknownHandler,
				fmt.Sprintf("handler %q is not registered", name))
		}

		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
				result.AddError(path+".timeout", schema.IssueInvalidTimeout,
					fmt.Sprintf("timeout %q must be a positive duration such as 30s", step.Timeout))
			}
		}

		if len(step.OutputSchema) > 0 && sv != nil {
			if err := sv.CheckOutputSchema(step.OutputSchema); err != nil {
				result.AddError(path+".output_schema", schema.IssueInvalidOutputHint, err.Error())
			}
		}

		visit := func(field string, ref *expressions.Reference, err error) {
			if err != nil {
				result.AddError(path+"."+field, schema.IssueMalformedRef, err.Error())
				return
			}
			if ref.Kind != expressions.RefStep {
				return
			}
			switch pos, ok := declared[ref.Name]; {
			case !ok:
				result.AddError(path+"."+field, schema.IssueUnknownStepRef,
					fmt.Sprintf("%s references undeclared step %q", ref, ref.Name))
			case pos >= i:
				result.AddError(path+"."+field, schema.IssueForwardRef,
					fmt.Sprintf("%s references step %q which is not declared before %q", ref, ref.Name, step.ID))
			}
		}
		expressions.WalkReferences(step.Inputs, "inputs", visit)
		for j, tool := range step.Tools {
			expressions.WalkReferences(tool.Config, fmt.Sprintf("tools[%d].config", j), visit)
		}

		seen[step.ID] = true
	}

	return result
}
