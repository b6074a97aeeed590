package expressions

import (
	"context"

	"github.com/rendis/leadflow/pkg/schema"
)

// Engine evaluates a small expression language over handler data.
// CEL drives feedback rules, expr drives scoring formulas, and jq
// extracts and aggregates JSON payloads.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", engine)
}
