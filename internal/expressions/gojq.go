package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries against decoded JSON. It pulls result lists
// out of live API responses and aggregates tracking events.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as input. A single output is returned
// as is; several are returned as []any; none is nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query is Evaluate for arbitrary JSON input, including top-level arrays.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.QueryAll(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll always returns every output of the query.
func (e *GoJQEngine) QueryAll(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}

	code, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	code, err := gojq.Compile(query,
		// No $ENV: handler payloads must not read process secrets.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return code, nil
}

// normalizeForJQ widens Go integer types to float64; gojq rejects some of them.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
