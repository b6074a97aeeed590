package schema

import (
	"encoding/json"
	"strings"
)

// GraphDefinition is the serialized graph document. It is authored as JSON
// or YAML and loaded once per process.
type GraphDefinition struct {
	WorkflowName string           `json:"workflow_name"`
	Description  string           `json:"description,omitempty"`
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Config       map[string]any   `json:"config,omitempty"`
	Steps        []StepDefinition `json:"steps"`
}

// StepDefinition describes a single step in a graph.
type StepDefinition struct {
	ID           string           `json:"id"`
	Handler      string           `json:"handler,omitempty"`
	Agent        string           `json:"agent,omitempty"` // legacy alias for Handler
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Instructions string           `json:"instructions,omitempty"`
	Tools        []ToolDescriptor `json:"tools,omitempty"`
	OutputSchema json.RawMessage  `json:"output_schema,omitempty"`
	Timeout      string           `json:"timeout,omitempty"` // e.g. "30s", "5m"
}

// HandlerName returns the declared handler, falling back to the legacy
// agent field.
func (s *StepDefinition) HandlerName() string {
	if s.Handler != "" {
		return s.Handler
	}
	return s.Agent
}

// ToolDescriptor names an external capability a handler may use. Its config
// is opaque to the executor apart from reference resolution.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// FindTool returns the tool with the given name (case-insensitive), or nil.
func FindTool(tools []ToolDescriptor, name string) *ToolDescriptor {
	for i := range tools {
		if strings.EqualFold(tools[i].Name, name) {
			return &tools[i]
		}
	}
	return nil
}

// ConfigString returns a string value from the tool config, or "".
func (t *ToolDescriptor) ConfigString(key string) string {
	if t == nil || t.Config == nil {
		return ""
	}
	s, _ := t.Config[key].(string)
	return s
}

// ReservedNamespaces are reference roots that cannot be used as step IDs.
var ReservedNamespaces = []string{"config", "inputs"}

// IsReservedNamespace reports whether id collides with a reference namespace.
func IsReservedNamespace(id string) bool {
	for _, ns := range ReservedNamespaces {
		if id == ns {
			return true
		}
	}
	return false
}
