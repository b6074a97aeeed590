package expressions

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

// Environment supplies values for {{ENV_NAME}} references.
type Environment interface {
	Lookup(name string) (string, bool)
}

// OSEnvironment reads the process environment.
type OSEnvironment struct{}

func (OSEnvironment) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MapEnvironment is a fixed environment, mostly for tests and the MCP surface.
type MapEnvironment map[string]string

func (m MapEnvironment) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Resolver substitutes references inside step inputs and tool configs.
// It never mutates its arguments; the same value and scope always resolve
// to the same result.
type Resolver struct {
	env Environment
}

// NewResolver creates a Resolver. A nil env reads the process environment.
func NewResolver(env Environment) *Resolver {
	if env == nil {
		env = OSEnvironment{}
	}
	return &Resolver{env: env}
}

// Resolve walks value and replaces every reference. A string that is exactly
// one reference takes the referenced value's native type; references embedded
// in surrounding text are stringified.
func (r *Resolver) Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, scope)
	case map[string]any:
		return r.ResolveMap(v, scope)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := r.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return deepCopyAny(v), nil
	}
}

// ResolveMap resolves every value of m into a new map.
func (r *Resolver) ResolveMap(m map[string]any, scope *Scope) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		res, err := r.Resolve(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = res
	}
	return out, nil
}

// ResolveReference looks up a single parsed reference.
func (r *Resolver) ResolveReference(ref *Reference, scope *Scope) (any, error) {
	if scope == nil {
		scope = &Scope{}
	}

	switch ref.Kind {
	case RefEnv:
		if v, ok := r.env.Lookup(ref.Name); ok {
			return v, nil
		}
		if ref.Default != nil {
			return *ref.Default, nil
		}
		return nil, resolutionErrorf(ref, "environment variable %q is not set", ref.Name)

	case RefStep:
		out, ok := scope.Steps[ref.Name]
		if !ok {
			return nil, resolutionErrorf(ref, "step %q has not completed successfully", ref.Name)
		}
		return r.traverse(ref, out, ref.Path)

	case RefConfig:
		return r.traverse(ref, scope.Config, ref.Path)

	case RefInputs:
		return r.traverse(ref, scope.Inputs, ref.Path)
	}
	return nil, resolutionErrorf(ref, "unknown reference kind %s", ref.Kind)
}

func (r *Resolver) resolveString(s string, scope *Scope) (any, error) {
	if !HasReference(s) {
		return s, nil
	}

	segs, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}

	if len(segs) == 1 && segs[0].Ref != nil {
		return r.ResolveReference(segs[0].Ref, scope)
	}

	var sb strings.Builder
	for _, seg := range segs {
		if seg.Ref == nil {
			sb.WriteString(seg.Literal)
			continue
		}
		v, err := r.ResolveReference(seg.Ref, scope)
		if err != nil {
			return nil, err
		}
		str, err := Stringify(v)
		if err != nil {
			return nil, resolutionErrorf(seg.Ref, "cannot stringify value: %s", err.Error())
		}
		sb.WriteString(str)
	}
	return sb.String(), nil
}

// traverse walks path through root. Integer segments index lists.
func (r *Resolver) traverse(ref *Reference, root map[string]any, path []string) (any, error) {
	var current any = root
	for i, seg := range path {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, resolutionErrorf(ref, "path %q not found", strings.Join(path[:i+1], "."))
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, resolutionErrorf(ref, "segment %q must be an index into a list", seg)
			}
			if idx < 0 || idx >= len(node) {
				return nil, resolutionErrorf(ref, "index %d out of range (len %d)", idx, len(node))
			}
			current = node[idx]
		default:
			return nil, resolutionErrorf(ref, "path %q not found", strings.Join(path[:i+1], "."))
		}
	}
	return deepCopyAny(current), nil
}

// Stringify renders a resolved value for embedding in text. Strings are
// verbatim, numbers and bools use Go formatting, nil is empty, and maps
// and lists are compact JSON.
func Stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func resolutionErrorf(ref *Reference, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return schema.NewErrorf(schema.ErrCodeResolution, "cannot resolve %s: %s", ref.String(), msg).
		WithDetails(map[string]any{"expression": ref.Raw, "kind": ref.Kind.String()})
}
