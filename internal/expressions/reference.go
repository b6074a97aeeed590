package expressions

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"

	// envDefaultSep separates an environment variable name from its fallback.
	envDefaultSep = ":-"

	outputSegment = "output"
)

var (
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// RefKind identifies the namespace a reference reads from.
type RefKind int

const (
	RefEnv RefKind = iota
	RefStep
	RefConfig
	RefInputs
)

func (k RefKind) String() string {
	switch k {
	case RefEnv:
		return "env"
	case RefStep:
		return "step"
	case RefConfig:
		return "config"
	case RefInputs:
		return "inputs"
	default:
		return "unknown"
	}
}

// Reference is one parsed {{ ... }} expression.
//
//	{{API_KEY}}                      env, no default
//	{{REGION:-us-east-1}}            env with default
//	{{prospect.output.leads.0.email}} step output path
//	{{config.scoring.weight}}        shared configuration path
//	{{inputs.campaign}}              shared inputs path
type Reference struct {
	Raw     string
	Kind    RefKind
	Name    string // env var name or step id; "config"/"inputs" for those namespaces
	Path    []string
	Default *string
}

// String returns the reference in its delimited form.
func (r Reference) String() string {
	return openDelim + r.Raw + closeDelim
}

// Segment is a piece of a template string: either literal text or a reference.
type Segment struct {
	Literal string
	Ref     *Reference
}

// ParseReference parses the text between the delimiters.
func ParseReference(raw string) (*Reference, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return nil, malformed(raw, "empty reference")
	}

	if name, def, ok := strings.Cut(expr, envDefaultSep); ok {
		name = strings.TrimSpace(name)
		if isNamespace(name) {
			return nil, malformed(raw, fmt.Sprintf("%s needs a path", name))
		}
		if !envNamePattern.MatchString(name) {
			return nil, malformed(raw, fmt.Sprintf("invalid environment variable name %q", name))
		}
		return &Reference{Raw: expr, Kind: RefEnv, Name: name, Default: &def}, nil
	}

	if !strings.Contains(expr, ".") {
		if isNamespace(expr) {
			return nil, malformed(raw, fmt.Sprintf("empty path: %s needs a path", expr))
		}
		if !envNamePattern.MatchString(expr) {
			return nil, malformed(raw, fmt.Sprintf("invalid environment variable name %q", expr))
		}
		return &Reference{Raw: expr, Kind: RefEnv, Name: expr}, nil
	}

	parts := strings.Split(expr, ".")
	for _, p := range parts {
		if p == "" {
			return nil, malformed(raw, "empty path segment")
		}
		if !segmentPattern.MatchString(p) {
			return nil, malformed(raw, fmt.Sprintf("invalid path segment %q", p))
		}
	}

	switch parts[0] {
	case "config":
		return &Reference{Raw: expr, Kind: RefConfig, Name: "config", Path: parts[1:]}, nil
	case "inputs":
		return &Reference{Raw: expr, Kind: RefInputs, Name: "inputs", Path: parts[1:]}, nil
	}

	if parts[1] != outputSegment {
		return nil, malformed(raw, fmt.Sprintf("step reference must have the form %s.output[.path]", parts[0]))
	}
	return &Reference{Raw: expr, Kind: RefStep, Name: parts[0], Path: parts[2:]}, nil
}

// ParseTemplate splits s into literal and reference segments. Text without
// delimiters yields a single literal segment. A stray "}}" is literal text.
func ParseTemplate(s string) ([]Segment, error) {
	if !strings.Contains(s, openDelim) {
		return []Segment{{Literal: s}}, nil
	}

	var segs []Segment
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				segs = append(segs, Segment{Literal: rest})
			}
			return segs, nil
		}
		if start > 0 {
			segs = append(segs, Segment{Literal: rest[:start]})
		}

		body := rest[start+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, malformed(s, "unterminated "+openDelim)
		}
		inner := body[:end]
		if strings.Contains(inner, openDelim) {
			return nil, malformed(s, "nested "+openDelim)
		}

		ref, err := ParseReference(inner)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Ref: ref})
		rest = body[end+len(closeDelim):]
	}
}

// HasReference reports whether s contains an opening delimiter.
func HasReference(s string) bool {
	return strings.Contains(s, openDelim)
}

// WalkReferences visits every reference inside value. field is the dotted
// location of the string the reference was found in. Parse failures are
// reported through visit with a nil ref so callers can collect all of them.
func WalkReferences(value any, field string, visit func(field string, ref *Reference, err error)) {
	switch v := value.(type) {
	case string:
		if !HasReference(v) {
			return
		}
		segs, err := ParseTemplate(v)
		if err != nil {
			visit(field, nil, err)
			return
		}
		for _, seg := range segs {
			if seg.Ref != nil {
				visit(field, seg.Ref, nil)
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			WalkReferences(v[k], joinField(field, k), visit)
		}
	case []any:
		for i, item := range v {
			WalkReferences(item, field+"["+strconv.Itoa(i)+"]", visit)
		}
	}
}

// ExtractReferences returns every reference in value. The first malformed
// expression aborts extraction.
func ExtractReferences(value any) ([]Reference, error) {
	var (
		refs     []Reference
		firstErr error
	)
	WalkReferences(value, "", func(_ string, ref *Reference, err error) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		refs = append(refs, *ref)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return refs, nil
}

// StepDependencies returns the sorted, distinct step ids referenced by refs.
func StepDependencies(refs []Reference) []string {
	seen := make(map[string]struct{})
	var deps []string
	for _, r := range refs {
		if r.Kind != RefStep {
			continue
		}
		if _, ok := seen[r.Name]; ok {
			continue
		}
		seen[r.Name] = struct{}{}
		deps = append(deps, r.Name)
	}
	sort.Strings(deps)
	return deps
}

// isNamespace reports whether name is one of the shared configuration roots,
// which cannot double as environment variable names.
func isNamespace(name string) bool {
	return name == "config" || name == "inputs"
}

func joinField(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func malformed(expr, reason string) error {
	return schema.NewErrorf(schema.ErrCodeResolution, "malformed reference %q: %s", expr, reason).
		WithDetails(map[string]any{"expression": expr, "malformed": true})
}

// IsMalformed reports whether err came from parsing rather than lookup.
func IsMalformed(err error) bool {
	var pe *schema.PipelineError
	if !errors.As(err, &pe) {
		return false
	}
	m, _ := pe.Details["malformed"].(bool)
	return m
}
