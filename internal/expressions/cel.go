package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELVariables are the top-level names a rule can read. Missing ones
// evaluate as empty maps.
var CELVariables = []string{"metrics", "inputs", "config"}

// CELEngine evaluates boolean rules such as "metrics.open_rate < 25".
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates an engine whose environment declares CELVariables
// as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(CELVariables))
	for _, name := range CELVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}

	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Match evaluates a rule that must yield a bool.
func (e *CELEngine) Match(ctx context.Context, rule string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, rule, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalError(e.Name(), rule, fmt.Errorf("rule returned %T, want bool", v))
	}
	return b, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(e.Name(), expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(CELVariables))
	for _, key := range CELVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
