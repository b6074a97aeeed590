package expressions

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates arithmetic formulas such as lead scoring
// ("seniority * 0.3 + signal * 0.3"). Programs are compiled without a typed
// environment so one cached program serves every lead.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}

	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// Number evaluates a formula that must produce a numeric result.
func (e *ExprEngine) Number(ctx context.Context, formula string, data map[string]any) (float64, error) {
	v, err := e.Evaluate(ctx, formula, data)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	}
	return 0, evalError(e.Name(), formula, fmt.Errorf("formula returned %T, want number", v))
}

func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
