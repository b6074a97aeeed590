package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/pkg/schema"
)

// ReasoningInput is what the reason phase sees: the same instructions,
// resolved inputs and tools the handler will act on.
type ReasoningInput struct {
	StepID       string
	Handler      string
	Instructions string
	Inputs       map[string]any
	Tools        []schema.ToolDescriptor
}

// Reasoner produces the rationale recorded before a handler acts. It must
// not have side effects on the run.
type Reasoner interface {
	Reason(ctx context.Context, in ReasoningInput) (string, error)
}

// ReasoningContext is the structured prompt payload handed to a model.
type ReasoningContext struct {
	Task   string         `json:"task"`
	Step   string         `json:"step"`
	Agent  string         `json:"agent"`
	Tools  []string       `json:"tools,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// BuildReasoningContext serializes in for a prompt.
func BuildReasoningContext(in ReasoningInput) json.RawMessage {
	rc := ReasoningContext{
		Task:   in.Instructions,
		Step:   in.StepID,
		Agent:  in.Handler,
		Tools:  toolLines(in.Tools),
		Inputs: in.Inputs,
	}
	data, err := json.Marshal(rc)
	if err != nil {
		// Inputs are frozen JSON by the time they get here; this only
		// triggers for hand-built inputs in tests.
		data, _ = json.Marshal(ReasoningContext{Task: in.Instructions, Step: in.StepID, Agent: in.Handler})
	}
	return data
}

func toolLines(tools []schema.ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Description != "" {
			out = append(out, t.Name+": "+t.Description)
		} else {
			out = append(out, t.Name)
		}
	}
	return out
}

// TemplateReasoner writes a deterministic plan from the step definition.
// It is the default when no model is configured.
type TemplateReasoner struct{}

func (TemplateReasoner) Reason(_ context.Context, in ReasoningInput) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Thought: %s should %s\n", in.Handler, firstLine(in.Instructions))

	keys := make([]string, 0, len(in.Inputs))
	for k := range in.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		fmt.Fprintf(&sb, "Observation: inputs available: %s\n", strings.Join(keys, ", "))
	} else {
		sb.WriteString("Observation: no inputs\n")
	}

	if names := toolLines(in.Tools); len(names) > 0 {
		fmt.Fprintf(&sb, "Action: execute with tools %s", strings.Join(names, "; "))
	} else {
		sb.WriteString("Action: execute")
	}
	return sb.String(), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "complete its task"
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

const reactSystemPrompt = `You are an autonomous agent in a B2B outreach pipeline.
Use the ReAct pattern: state a Thought, the Action you will take and what you
expect to Observe. Be brief; the action itself is carried out by the system.`

// LLMReasoner asks a model for the rationale.
type LLMReasoner struct {
	llm handlers.LLM
}

func NewLLMReasoner(llm handlers.LLM) *LLMReasoner {
	return &LLMReasoner{llm: llm}
}

func (r *LLMReasoner) Reason(ctx context.Context, in ReasoningInput) (string, error) {
	return r.llm.Complete(ctx, reactSystemPrompt, string(BuildReasoningContext(in)))
}
