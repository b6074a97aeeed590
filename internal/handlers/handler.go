package handlers

import (
	"context"
	"encoding/json"
	"math"

	"github.com/rendis/leadflow/pkg/schema"
)

// StepHandler is the one capability the executor needs from a step: turn
// resolved inputs into an output mapping. Handlers receive a deep copy of
// their inputs and may keep or modify it.
type StepHandler interface {
	Name() string
	Execute(ctx context.Context, instructions string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error)
}

// Mode says whether a handler talks to real services. It is fixed when the
// handler is built and never re-derived per call.
type Mode int

const (
	ModeSimulated Mode = iota
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "simulated"
}

// ModeFor returns ModeLive when a credential is configured.
func ModeFor(credential string) Mode {
	if credential == "" {
		return ModeSimulated
	}
	return ModeLive
}

// Moded is implemented by handlers that have a Mode.
type Moded interface {
	Mode() Mode
}

// Described is implemented by handlers that document themselves for listings.
type Described interface {
	Description() string
}

// --- input helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

func boolParam(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// recordsParam returns the list under the first present key as maps.
// Non-map items are skipped.
func recordsParam(m map[string]any, keys ...string) []map[string]any {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var out []map[string]any
		switch list := raw.(type) {
		case []any:
			for _, item := range list {
				if rec, ok := item.(map[string]any); ok {
					out = append(out, rec)
				}
			}
		case []map[string]any:
			out = append(out, list...)
		}
		return out
	}
	return nil
}

func stringsParam(m map[string]any, key string) []string {
	switch list := m[key].(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func copyRecord(rec map[string]any) map[string]any {
	cp := make(map[string]any, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toAnySlice(recs []map[string]any) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out
}

func executionError(handler, format string, args ...any) *schema.PipelineError {
	e := schema.NewErrorf(schema.ErrCodeHandlerExecution, format, args...)
	return e.WithDetails(map[string]any{"handler": handler})
}
