package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// Scope is a read-only snapshot of everything a reference can read: the
// outputs of steps that completed successfully and the shared configuration.
type Scope struct {
	Steps  map[string]map[string]any
	Config map[string]any
	Inputs map[string]any
}

// ScopeBuilder accumulates step outputs for one run. It enforces:
//   - Step outputs are frozen on insert (JSON round trip plus deep copy).
//   - Append-only: a step id can be registered once.
//   - Config and inputs are copied at construction and never change.
type ScopeBuilder struct {
	mu     sync.RWMutex
	steps  map[string]map[string]any
	config map[string]any
	inputs map[string]any
}

// NewScopeBuilder creates a ScopeBuilder over the shared configuration block.
// config and inputs are deep-copied to prevent external mutation.
func NewScopeBuilder(config, inputs map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:  make(map[string]map[string]any),
		config: deepCopyMap(config),
		inputs: deepCopyMap(inputs),
	}
}

// AddStepOutput registers a successful step's output. Subsequent calls with
// the same stepID are rejected.
func (sb *ScopeBuilder) AddStepOutput(stepID string, output map[string]any) error {
	frozen, err := Freeze(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvariant,
			"step %q output is not JSON-representable: %s", stepID, err.Error()).
			WithStep(stepID).
			WithCause(err)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInvariant,
			"step %q output already registered; step outputs are immutable after completion", stepID).
			WithStep(stepID)
	}
	sb.steps[stepID] = frozen
	return nil
}

// HasStep reports whether stepID has a registered output.
func (sb *ScopeBuilder) HasStep(stepID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.steps[stepID]
	return ok
}

// Build creates a Scope snapshot safe for concurrent reads.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	steps := make(map[string]map[string]any, len(sb.steps))
	for id, out := range sb.steps {
		steps[id] = deepCopyMap(out)
	}
	return &Scope{
		Steps:  steps,
		Config: sb.config,
		Inputs: sb.inputs,
	}
}

// StepOutput returns a copy of one registered output.
func (sb *ScopeBuilder) StepOutput(stepID string) (map[string]any, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out, ok := sb.steps[stepID]
	if !ok {
		return nil, false
	}
	return deepCopyMap(out), true
}

// Freeze normalizes a handler output through a JSON round trip: maps become
// map[string]any, numbers become float64, structs become maps. A nil output
// freezes to an empty map.
func Freeze(output map[string]any) (map[string]any, error) {
	if output == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	var frozen map[string]any
	if err := json.Unmarshal(b, &frozen); err != nil {
		return nil, err
	}
	if frozen == nil {
		frozen = map[string]any{}
	}
	return frozen, nil
}

// DeepCopy returns an independent copy of a JSON-shaped value.
func DeepCopy(v any) any {
	return deepCopyAny(v)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
