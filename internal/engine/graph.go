package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// Format is a graph document encoding.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Graph is the validated, immutable form of a GraphDefinition. Steps keep
// declaration order, which is also execution order: every reference points
// to an earlier step, so the order is topological by construction.
type Graph struct {
	name   string
	desc   string
	config map[string]any
	inputs map[string]any
	steps  []schema.StepDefinition
	index  map[string]int
	deps   map[string][]string // step ID -> direct dependencies
	rdeps  map[string][]string // step ID -> direct dependents
}

// Loader parses and validates graph documents against a handler set.
type Loader struct {
	validator *validation.GraphValidator
}

// NewLoader creates a Loader. lookup may be nil to skip handler checks.
func NewLoader(lookup validation.HandlerLookup) (*Loader, error) {
	gv, err := validation.NewGraphValidator(lookup)
	if err != nil {
		return nil, err
	}
	return &Loader{validator: gv}, nil
}

// Schemas exposes the loader's schema validator so runtimes can reuse the
// compiled output schemas.
func (l *Loader) Schemas() *validation.SchemaValidator {
	return l.validator.Schemas()
}

// Load reads a graph document from path. The format follows the file
// extension; anything other than .yaml/.yml is parsed as JSON.
func (l *Loader) Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "read graph %s: %s", path, err.Error()).WithCause(err)
	}
	return l.Parse(data, FormatForPath(path))
}

// Parse decodes and validates data. Every problem is collected into one
// GraphValidationError.
func (l *Loader) Parse(data []byte, format Format) (*Graph, error) {
	def, result := l.Check(data, format)
	if !result.Valid() {
		return nil, result.ToError()
	}
	return newGraph(def)
}

// Check decodes and validates data without building a Graph. The
// definition is nil when the document cannot be decoded.
func (l *Loader) Check(data []byte, format Format) (*schema.GraphDefinition, *schema.ValidationResult) {
	doc, err := decodeDocument(data, format)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueStructural, err.Error())
		return nil, r
	}
	return l.validator.ValidateDocument(doc)
}

// Build validates an already typed definition and builds its Graph.
func (l *Loader) Build(def *schema.GraphDefinition) (*Graph, error) {
	if result := l.validator.Validate(def); !result.Valid() {
		return nil, result.ToError()
	}
	return newGraph(def)
}

// LoadGraph is a convenience wrapper around NewLoader and Load.
func LoadGraph(path string, lookup validation.HandlerLookup) (*Graph, error) {
	l, err := NewLoader(lookup)
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// ParseGraph is a convenience wrapper around NewLoader and Parse.
func ParseGraph(data []byte, format Format, lookup validation.HandlerLookup) (*Graph, error) {
	l, err := NewLoader(lookup)
	if err != nil {
		return nil, err
	}
	return l.Parse(data, format)
}

// FormatForPath picks a format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatAuto
	}
}

func decodeDocument(data []byte, format Format) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("graph document is empty")
	}
	if format == FormatAuto {
		format = FormatYAML
		if trimmed[0] == '{' {
			format = FormatJSON
		}
	}

	var doc any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse JSON graph: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse YAML graph: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported graph format %q", format)
	}
	return doc, nil
}

// newGraph builds dependency sets. The definition has already passed
// validation, so references parse and point backwards.
func newGraph(def *schema.GraphDefinition) (*Graph, error) {
	g := &Graph{
		name:   def.WorkflowName,
		desc:   def.Description,
		config: expressions.DeepCopy(def.Config).(map[string]any),
		inputs: expressions.DeepCopy(def.Inputs).(map[string]any),
		steps:  make([]schema.StepDefinition, len(def.Steps)),
		index:  make(map[string]int, len(def.Steps)),
		deps:   make(map[string][]string, len(def.Steps)),
		rdeps:  make(map[string][]string, len(def.Steps)),
	}

	for i, step := range def.Steps {
		g.steps[i] = copyStep(step)
		g.index[step.ID] = i

		refs, err := stepReferences(&g.steps[i])
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "step %q: %s", step.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		deps := expressions.StepDependencies(refs)
		for _, d := range deps {
			if _, ok := g.index[d]; !ok || d == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeGraphValidation,
					"step %q references %q, which is not declared before it", step.ID, d).WithStep(step.ID)
			}
			g.rdeps[d] = append(g.rdeps[d], step.ID)
		}
		g.deps[step.ID] = deps
	}
	return g, nil
}

// stepReferences collects the references in a step's inputs and tool configs.
func stepReferences(step *schema.StepDefinition) ([]expressions.Reference, error) {
	refs, err := expressions.ExtractReferences(step.Inputs)
	if err != nil {
		return nil, err
	}
	for _, tool := range step.Tools {
		toolRefs, err := expressions.ExtractReferences(tool.Config)
		if err != nil {
			return nil, err
		}
		refs = append(refs, toolRefs...)
	}
	return refs, nil
}

func copyStep(s schema.StepDefinition) schema.StepDefinition {
	cp := s
	if s.Inputs != nil {
		cp.Inputs = expressions.DeepCopy(s.Inputs).(map[string]any)
	}
	if s.Tools != nil {
		cp.Tools = make([]schema.ToolDescriptor, len(s.Tools))
		for i, t := range s.Tools {
			cp.Tools[i] = t
			if t.Config != nil {
				cp.Tools[i].Config = expressions.DeepCopy(t.Config).(map[string]any)
			}
		}
	}
	if s.OutputSchema != nil {
		cp.OutputSchema = append(json.RawMessage(nil), s.OutputSchema...)
	}
	return cp
}

func (g *Graph) Name() string        { return g.name }
func (g *Graph) Description() string { return g.desc }
func (g *Graph) Len() int            { return len(g.steps) }

// Order returns step IDs in execution order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.steps))
	for i, s := range g.steps {
		out[i] = s.ID
	}
	return out
}

// Steps returns copies of the step definitions in execution order.
func (g *Graph) Steps() []schema.StepDefinition {
	out := make([]schema.StepDefinition, len(g.steps))
	for i, s := range g.steps {
		out[i] = copyStep(s)
	}
	return out
}

// Step returns a copy of one step definition.
func (g *Graph) Step(id string) (schema.StepDefinition, bool) {
	i, ok := g.index[id]
	if !ok {
		return schema.StepDefinition{}, false
	}
	return copyStep(g.steps[i]), true
}

// Dependencies returns the steps whose output id reads directly.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the steps that read id's output directly.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.rdeps[id]...)
}

// Config returns a copy of the shared config block.
func (g *Graph) Config() map[string]any {
	return copyMap(g.config)
}

// Inputs returns a copy of the shared inputs block.
func (g *Graph) Inputs() map[string]any {
	return copyMap(g.inputs)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return expressions.DeepCopy(m).(map[string]any)
}
