package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

type funcHandler struct {
	name string
	fn   func(ctx context.Context, instructions string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Execute(ctx context.Context, instructions string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	return h.fn(ctx, instructions, inputs, tools)
}

func echo() funcHandler {
	return funcHandler{name: "Echo", fn: func(_ context.Context, _ string, inputs map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
		return map[string]any{"echo": inputs["value"]}, nil
	}}
}

type failingReasoner struct{}

func (failingReasoner) Reason(context.Context, ReasoningInput) (string, error) {
	return "", errors.New("model offline")
}

type fakeLLM struct{ prompt string }

func (f *fakeLLM) Complete(_ context.Context, _, user string) (string, error) {
	f.prompt = user
	return "Thought: search. Action: ApolloAPI.", nil
}

func step(id string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Handler: "Echo", Instructions: "Echo the value.\nThen stop."}
}

func TestRuntime_ReasonThenAct(t *testing.T) {
	rt, err := NewRuntime(step("s1"), echo(), Options{})
	require.NoError(t, err)

	ctx := logging.WithRunID(context.Background(), "run-1")
	out, rec, err := rt.Invoke(ctx, map[string]any{"value": 42}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"echo": 42.0}, out, "outputs are frozen through JSON")
	assert.Equal(t, "s1", rec.StepID)
	assert.Equal(t, "Echo", rec.Handler)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, out, rec.Output)
	assert.Empty(t, rec.Error)
	assert.NotEmpty(t, rec.ID)
	assert.Contains(t, rec.Reasoning, "Thought: Echo should Echo the value")
	assert.Contains(t, rec.Reasoning, "inputs available: value")

	history := rt.History()
	require.Len(t, history, 1)
	assert.Equal(t, rec, history[0])
}

func TestRuntime_HandlerGetsCopies(t *testing.T) {
	h := funcHandler{name: "Mutator", fn: func(_ context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
		inputs["list"].([]any)[0] = "changed"
		tools[0].Config["endpoint"] = "changed"
		return map[string]any{}, nil
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	inputs := map[string]any{"list": []any{"original"}}
	tools := []schema.ToolDescriptor{{Name: "T", Config: map[string]any{"endpoint": "original"}}}
	_, _, err = rt.Invoke(context.Background(), inputs, tools)
	require.NoError(t, err)

	assert.Equal(t, "original", inputs["list"].([]any)[0])
	assert.Equal(t, "original", tools[0].Config["endpoint"])
}

func TestRuntime_ReasonerFailureDoesNotFailStep(t *testing.T) {
	rt, err := NewRuntime(step("s1"), echo(), Options{Reasoner: failingReasoner{}})
	require.NoError(t, err)

	out, rec, err := rt.Invoke(context.Background(), map[string]any{"value": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", out["echo"])
	assert.Equal(t, "Error in reasoning: model offline", rec.Reasoning)
}

func TestRuntime_LLMReasoner(t *testing.T) {
	llm := &fakeLLM{}
	rt, err := NewRuntime(step("s1"), echo(), Options{Reasoner: NewLLMReasoner(llm)})
	require.NoError(t, err)

	_, rec, err := rt.Invoke(context.Background(), map[string]any{"value": 1},
		[]schema.ToolDescriptor{{Name: "ApolloAPI", Description: "people search"}})
	require.NoError(t, err)
	assert.Equal(t, "Thought: search. Action: ApolloAPI.", rec.Reasoning)

	var rc ReasoningContext
	require.NoError(t, json.Unmarshal([]byte(llm.prompt), &rc))
	assert.Equal(t, "s1", rc.Step)
	assert.Equal(t, []string{"ApolloAPI: people search"}, rc.Tools)
}

func TestRuntime_HandlerError(t *testing.T) {
	h := funcHandler{name: "Broken", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		return nil, errors.New("api down")
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	out, rec, err := rt.Invoke(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "s1", pe.StepID)
	assert.Contains(t, rec.Error, "api down")
	assert.Nil(t, rec.Output)
	assert.Len(t, rt.History(), 1)
}

func TestRuntime_PreservesHandlerErrorCode(t *testing.T) {
	h := funcHandler{name: "Unavailable", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeHandlerUnavailable, "circuit open")
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	_, _, err = rt.Invoke(context.Background(), nil, nil)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
}

func TestRuntime_PanicRecovered(t *testing.T) {
	h := funcHandler{name: "Panicky", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		panic("nil map")
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	_, rec, err := rt.Invoke(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)
	assert.Contains(t, rec.Error, "handler panicked: nil map")
}

func TestRuntime_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := funcHandler{name: "Slow", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		<-release // ignores ctx on purpose
		return map[string]any{}, nil
	}}

	def := step("s1")
	def.Timeout = "20ms"
	rt, err := NewRuntime(def, h, Options{Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, rt.Timeout())

	start := time.Now()
	_, _, err = rt.Invoke(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type slowReasoner struct{ delay time.Duration }

func (r slowReasoner) Reason(context.Context, ReasoningInput) (string, error) {
	time.Sleep(r.delay) // ignores ctx on purpose
	return "Thought: took too long.", nil
}

type panickingReasoner struct{}

func (panickingReasoner) Reason(context.Context, ReasoningInput) (string, error) {
	panic("prompt template missing")
}

func TestRuntime_TimeoutCoversReasoning(t *testing.T) {
	called := make(chan struct{}, 1)
	h := funcHandler{name: "Echo", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		called <- struct{}{}
		return map[string]any{}, nil
	}}

	def := step("s1")
	def.Timeout = "30ms"
	rt, err := NewRuntime(def, h, Options{Reasoner: slowReasoner{delay: 300 * time.Millisecond}})
	require.NoError(t, err)

	start := time.Now()
	out, rec, err := rt.Invoke(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrTimeout)
	assert.Nil(t, out)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "the reasoner is abandoned at the deadline")
	assert.Contains(t, rec.Reasoning, "Error in reasoning")
	assert.NotEmpty(t, rec.Error)
	assert.Empty(t, called, "the handler never runs once the budget is spent")
}

func TestRuntime_ReasonerPanicDoesNotFailStep(t *testing.T) {
	rt, err := NewRuntime(step("s1"), echo(), Options{Reasoner: panickingReasoner{}})
	require.NoError(t, err)

	out, rec, err := rt.Invoke(context.Background(), map[string]any{"value": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", out["echo"])
	assert.Equal(t, "Error in reasoning: reasoner panicked: prompt template missing", rec.Reasoning)
}

func TestRuntime_DefaultTimeoutFromOptions(t *testing.T) {
	h := funcHandler{name: "Slow", fn: func(ctx context.Context, _ string, _ map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rt, err := NewRuntime(step("s1"), h, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, _, err = rt.Invoke(context.Background(), nil, nil)
	assert.ErrorIs(t, err, schema.ErrTimeout)
}

func TestRuntime_Cancelled(t *testing.T) {
	h := funcHandler{name: "Slow", fn: func(ctx context.Context, _ string, _ map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err = rt.Invoke(ctx, nil, nil)
	assert.ErrorIs(t, err, schema.ErrCancelled)
}

func TestRuntime_InvalidTimeout(t *testing.T) {
	def := step("s1")
	def.Timeout = "soon"
	_, err := NewRuntime(def, echo(), Options{})
	require.Error(t, err)

	_, err = NewRuntime(step("s1"), nil, Options{})
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
}

func TestRuntime_OutputSchema(t *testing.T) {
	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)

	def := step("s1")
	def.OutputSchema = json.RawMessage(`{"type":"object","required":["leads"]}`)
	rt, err := NewRuntime(def, echo(), Options{Schemas: sv})
	require.NoError(t, err)

	_, rec, err := rt.Invoke(context.Background(), map[string]any{"value": 1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)
	assert.Contains(t, rec.Error, "output_schema")

	// Without a validator the hint is ignored.
	rt, err = NewRuntime(def, echo(), Options{})
	require.NoError(t, err)
	_, _, err = rt.Invoke(context.Background(), map[string]any{"value": 1}, nil)
	assert.NoError(t, err)
}

func TestRuntime_UnserializableOutput(t *testing.T) {
	h := funcHandler{name: "Chan", fn: func(context.Context, string, map[string]any, []schema.ToolDescriptor) (map[string]any, error) {
		return map[string]any{"c": make(chan int)}, nil
	}}
	rt, err := NewRuntime(step("s1"), h, Options{})
	require.NoError(t, err)

	_, _, err = rt.Invoke(context.Background(), nil, nil)
	assert.ErrorIs(t, err, schema.ErrHandlerExecution)
}

func TestRuntime_HistoryBoundedAndDrained(t *testing.T) {
	rt, err := NewRuntime(step("s1"), echo(), Options{HistoryLimit: 3})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := rt.Invoke(context.Background(), map[string]any{"value": fmt.Sprint(i)}, nil)
		require.NoError(t, err)
	}

	history := rt.History()
	require.Len(t, history, 3)
	assert.Equal(t, "2", history[0].Output["echo"], "oldest records are evicted")
	assert.Equal(t, "4", history[2].Output["echo"])

	drained := rt.Drain()
	assert.Len(t, drained, 3)
	assert.Empty(t, rt.History())
	assert.Empty(t, rt.Drain())
}
