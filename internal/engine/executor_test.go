package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// --- Test handlers ---

type funcHandler struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Execute(ctx context.Context, _ string, inputs map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
	h.calls.Add(1)
	return h.fn(ctx, inputs)
}

func echoHandler(name string) *funcHandler {
	return &funcHandler{name: name, fn: func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"value": name, "inputs": inputs}, nil
	}}
}

func failingHandler(name string) *funcHandler {
	return &funcHandler{name: name, fn: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("provider unavailable")
	}}
}

func newRegistry(t *testing.T, hs ...handlers.StepHandler) *handlers.Registry {
	t.Helper()
	reg := handlers.NewRegistry()
	for _, h := range hs {
		require.NoError(t, reg.Register(h))
	}
	return reg
}

func newExecutor(t *testing.T, doc string, reg *handlers.Registry, cfg ExecutorConfig) *Executor {
	t.Helper()
	l, err := NewLoader(reg)
	require.NoError(t, err)
	g, err := l.Parse([]byte(doc), FormatAuto)
	require.NoError(t, err)
	if cfg.Schemas == nil {
		cfg.Schemas = l.Schemas()
	}
	if cfg.Environment == nil {
		cfg.Environment = expressions.MapEnvironment{}
	}
	e, err := NewExecutor(g, reg, cfg)
	require.NoError(t, err)
	return e
}

const chainDoc = `{
  "workflow_name": "chain",
  "steps": [
    {"id": "A", "handler": "A"},
    {"id": "B", "handler": "B", "inputs": {"v": "{{A.output.value}}"}},
    {"id": "C", "handler": "C", "inputs": {"v": "{{B.output.value}}"}}
  ]
}`

// --- Scenarios ---

func TestExecutor_ChainSuccess(t *testing.T) {
	a, b, c := echoHandler("A"), echoHandler("B"), echoHandler("C")
	e := newExecutor(t, chainDoc, newRegistry(t, a, b, c), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, schema.RunStatusCompleted, report.Status)
	assert.Equal(t, "chain", report.WorkflowName)
	assert.Empty(t, report.Errors)
	assert.Equal(t, map[string]any{"v": "A"}, report.Step("B").Output["inputs"])
	assert.Equal(t, map[string]any{"v": "B"}, report.Step("C").Output["inputs"])
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
}

func TestExecutor_ChainFailurePropagates(t *testing.T) {
	a, b, c := failingHandler("A"), echoHandler("B"), echoHandler("C")
	e := newExecutor(t, chainDoc, newRegistry(t, a, b, c), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err, "step failures never abort the run")
	assert.False(t, report.Success)
	assert.Equal(t, schema.RunStatusCompleted, report.Status)

	assert.Equal(t, schema.StepStatusFailed, report.Step("A").Status)
	for _, id := range []string{"B", "C"} {
		assert.Equal(t, schema.StepStatusFailed, report.Step(id).Status)
		assert.Equal(t, schema.UpstreamFailedCause, report.Step(id).Cause)
	}
	assert.Zero(t, b.calls.Load())
	assert.Zero(t, c.calls.Load())

	require.Len(t, report.Errors, 1)
	assert.Equal(t, "A", report.Errors[0].StepID)
	assert.Equal(t, schema.ErrCodeHandlerExecution, report.Errors[0].Cause)
	assert.Contains(t, report.Errors[0].Message, "provider unavailable")
}

func TestExecutor_IndependentBranchSurvives(t *testing.T) {
	doc := `{
  "steps": [
    {"id": "A", "handler": "A"},
    {"id": "B", "handler": "B"},
    {"id": "C", "handler": "C", "inputs": {"a": "{{A.output.value}}", "b": "{{B.output.value}}"}}
  ]
}`
	a, b, c := failingHandler("A"), echoHandler("B"), echoHandler("C")
	e := newExecutor(t, doc, newRegistry(t, a, b, c), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, schema.StepStatusFailed, report.Step("A").Status)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("B").Status)
	assert.Equal(t, "B", report.Step("B").Output["value"])
	assert.Equal(t, schema.UpstreamFailedCause, report.Step("C").Cause)
	assert.Zero(t, c.calls.Load())
	assert.Len(t, report.Errors, 1)
}

func TestExecutor_ResolvesReferences(t *testing.T) {
	doc := `
workflow_name: refs
config:
  weights: {title: 0.4}
inputs:
  industry: SaaS
steps:
  - id: prospect
    handler: Source
  - id: use
    handler: Sink
    inputs:
      leads: "{{prospect.output.leads}}"
      first: "{{prospect.output.leads.0.email}}"
      count: "{{prospect.output.count}}"
      summary: "{{prospect.output.count}} leads in {{inputs.industry}}"
      weight: "{{config.weights.title}}"
      region: "{{REGION:-us-east-1}}"
      key: "{{API_KEY}}"
`
	source := &funcHandler{name: "Source", fn: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{
			"leads": []any{map[string]any{"email": "ana@acme.io"}},
			"count": 1,
		}, nil
	}}
	sink := echoHandler("Sink")
	e := newExecutor(t, doc, newRegistry(t, source, sink), ExecutorConfig{
		Environment: expressions.MapEnvironment{"API_KEY": "secret"},
	})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Success)

	got := report.Step("use").Output["inputs"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"email": "ana@acme.io"}}, got["leads"], "whole-value keeps native type")
	assert.Equal(t, "ana@acme.io", got["first"])
	assert.Equal(t, float64(1), got["count"])
	assert.Equal(t, "1 leads in SaaS", got["summary"])
	assert.Equal(t, 0.4, got["weight"])
	assert.Equal(t, "us-east-1", got["region"])
	assert.Equal(t, "secret", got["key"])
}

func TestExecutor_ResolutionError(t *testing.T) {
	doc := `{
  "steps": [
    {"id": "A", "handler": "A", "inputs": {"key": "{{MISSING_KEY}}"}},
    {"id": "B", "handler": "B", "inputs": {"v": "{{A.output.value}}"}}
  ]
}`
	a, b := echoHandler("A"), echoHandler("B")
	e := newExecutor(t, doc, newRegistry(t, a, b), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, a.calls.Load(), "handler never sees unresolved inputs")
	assert.Equal(t, schema.StepStatusFailed, report.Step("A").Status)
	assert.Equal(t, schema.UpstreamFailedCause, report.Step("B").Cause)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.ErrCodeResolution, report.Errors[0].Cause)
	assert.Contains(t, report.Errors[0].Message, "MISSING_KEY")
}

func TestExecutor_MissingOutputPath(t *testing.T) {
	doc := `{
  "steps": [
    {"id": "A", "handler": "A"},
    {"id": "B", "handler": "B", "inputs": {"v": "{{A.output.nope.deeper}}"}}
  ]
}`
	e := newExecutor(t, doc, newRegistry(t, echoHandler("A"), echoHandler("B")), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("A").Status)
	assert.Equal(t, schema.StepStatusFailed, report.Step("B").Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "B", report.Errors[0].StepID)
	assert.Equal(t, schema.ErrCodeResolution, report.Errors[0].Cause)
}

func TestExecutor_StepTimeout(t *testing.T) {
	doc := `{
  "steps": [
    {"id": "slow", "handler": "Slow", "timeout": "20ms"},
    {"id": "fast", "handler": "Fast"}
  ]
}`
	slow := &funcHandler{name: "Slow", fn: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newExecutor(t, doc, newRegistry(t, slow, echoHandler("Fast")), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusFailed, report.Step("slow").Status)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("fast").Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.ErrCodeTimeout, report.Errors[0].Cause)
}

func TestExecutor_OutputSchemaMismatch(t *testing.T) {
	doc := `{
  "steps": [
    {"id": "A", "handler": "A", "output_schema": {"type": "object", "required": ["leads"]}}
  ]
}`
	e := newExecutor(t, doc, newRegistry(t, echoHandler("A")), ExecutorConfig{})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.ErrCodeHandlerExecution, report.Errors[0].Cause)
	assert.Contains(t, report.Errors[0].Message, "output_schema")
}

func TestExecutor_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &funcHandler{name: "A", fn: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	b, c := echoHandler("B"), echoHandler("C")
	doc := `{"steps": [{"id": "A", "handler": "A"}, {"id": "B", "handler": "B"}, {"id": "C", "handler": "C"}]}`
	app := &mockAppender{}
	e := newExecutor(t, doc, newRegistry(t, first, b, c), ExecutorConfig{Events: app})

	report, err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.ErrorIs(t, err, schema.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	assert.Equal(t, schema.RunStatusAborted, report.Status)
	assert.False(t, report.Success)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, schema.StepStatusFailed, report.Step(id).Status, id)
	}
	assert.True(t, strings.HasPrefix(report.Step("B").Cause, "run cancelled"))
	assert.Zero(t, b.calls.Load())

	require.Len(t, report.Errors, 1, "only the in-flight step ran")
	assert.Equal(t, schema.ErrCodeCancelled, report.Errors[0].Cause)

	types := app.Types()
	assert.Equal(t, schema.EventRunAborted, types[len(types)-1])
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := echoHandler("A")
	e := newExecutor(t, `{"steps": [{"id": "A", "handler": "A"}]}`, newRegistry(t, a), ExecutorConfig{})

	report, err := e.Run(ctx)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.Equal(t, schema.RunStatusAborted, report.Status)
	assert.Empty(t, report.Errors)
	assert.Zero(t, a.calls.Load())
}

// panicAppender breaks the executor loop on the first step success.
type panicAppender struct{ mockAppender }

func (p *panicAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if event.Type == schema.EventStepSucceeded {
		panic("corrupted event log")
	}
	return p.mockAppender.AppendEvent(ctx, event)
}

func TestExecutor_InvariantViolationAborts(t *testing.T) {
	b := echoHandler("B")
	doc := `{"steps": [{"id": "A", "handler": "A"}, {"id": "B", "handler": "B"}]}`
	e := newExecutor(t, doc, newRegistry(t, echoHandler("A"), b), ExecutorConfig{Events: &panicAppender{}})

	report, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunAborted)
	assert.ErrorIs(t, err, schema.ErrInvariant)
	require.NotNil(t, report)
	assert.Equal(t, schema.RunStatusAborted, report.Status)
	assert.False(t, report.Success)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("A").Status)
	assert.Equal(t, schema.StepStatusPending, report.Step("B").Status)
	assert.Zero(t, b.calls.Load())
}

type panickingReasoner struct{}

func (panickingReasoner) Reason(context.Context, agent.ReasoningInput) (string, error) {
	panic("reasoner boom")
}

type sleepyReasoner struct{}

func (sleepyReasoner) Reason(context.Context, agent.ReasoningInput) (string, error) {
	time.Sleep(300 * time.Millisecond)
	return "Thought: done.", nil
}

func TestExecutor_ReasonerPanicStaysWithStep(t *testing.T) {
	doc := `{"steps": [{"id": "A", "handler": "A"}, {"id": "B", "handler": "B", "inputs": {"v": "{{A.output.value}}"}}]}`
	a, b := echoHandler("A"), echoHandler("B")
	e := newExecutor(t, doc, newRegistry(t, a, b), ExecutorConfig{Reasoner: panickingReasoner{}})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, report.Status)
	assert.True(t, report.Success)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("A").Status)
	assert.Equal(t, schema.StepStatusSuccess, report.Step("B").Status)
	assert.Empty(t, report.Errors)

	history := e.ReasoningHistory()
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Reasoning, "reasoner panicked: reasoner boom")
}

func TestExecutor_StepTimeoutCoversReasoning(t *testing.T) {
	doc := `{"steps": [{"id": "A", "handler": "A", "timeout": "50ms"}]}`
	a := echoHandler("A")
	e := newExecutor(t, doc, newRegistry(t, a), ExecutorConfig{Reasoner: sleepyReasoner{}})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, schema.StepStatusFailed, report.Step("A").Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, schema.ErrCodeTimeout, report.Errors[0].Cause)
	assert.Zero(t, a.calls.Load())
}

func TestExecutor_EmptyGraph(t *testing.T) {
	e := newExecutor(t, `{"steps": []}`, newRegistry(t), ExecutorConfig{})
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.Data)
}

func TestExecutor_UnknownHandler(t *testing.T) {
	g, err := ParseGraph([]byte(`{"steps": [{"id": "A", "handler": "Ghost"}]}`), FormatJSON, nil)
	require.NoError(t, err)

	_, err = NewExecutor(g, newRegistry(t), ExecutorConfig{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
}

// --- Events, reasoning, tracing, logging ---

func TestExecutor_EmitsLifecycleEvents(t *testing.T) {
	app := &mockAppender{}
	doc := `{"steps": [{"id": "A", "handler": "A"}, {"id": "B", "handler": "B", "inputs": {"v": "{{A.output.value}}"}}]}`
	e := newExecutor(t, doc, newRegistry(t, failingHandler("A"), echoHandler("B")), ExecutorConfig{
		Events:   app,
		NewRunID: func() string { return "run-42" },
	})

	_, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepStarted,
		schema.EventStepFailed,
		schema.EventStepFailed,
		schema.EventRunCompleted,
	}, app.Types())
	for _, ev := range app.Events() {
		assert.Equal(t, "run-42", ev.RunID)
	}
	assert.Contains(t, string(app.Events()[3].Payload), schema.UpstreamFailedCause)
}

func TestExecutor_EventLogReplay(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	el := store.NewEventLog(s)

	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), failingHandler("B"), echoHandler("C")), ExecutorConfig{Events: el})
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	steps, err := el.ReplayEvents(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, schema.StepStatusSuccess, steps["A"].Status)
	assert.Equal(t, schema.StepStatusFailed, steps["B"].Status)
	assert.Equal(t, schema.UpstreamFailedCause, steps["C"].Cause)

	events, err := el.GetEvents(context.Background(), report.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, store.RunStatusFromEvents(events))
}

func TestExecutor_ReasoningHistory(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), failingHandler("B"), echoHandler("C")), ExecutorConfig{Now: now})

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	history := e.ReasoningHistory()
	require.Len(t, history, 2, "C was never invoked")
	assert.Equal(t, "A", history[0].StepID)
	assert.Equal(t, "B", history[1].StepID)
	assert.Equal(t, report.RunID, history[0].RunID)
	assert.NotEmpty(t, history[1].Error)
	assert.Contains(t, history[0].Reasoning, "Thought:")

	stepB, err := e.StepReasoning("B")
	require.NoError(t, err)
	assert.Len(t, stepB, 1)
	_, err = e.StepReasoning("Z")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	drained := e.DrainReasoning()
	assert.Len(t, drained, 2)
	assert.Empty(t, e.ReasoningHistory())
}

func TestExecutor_HistoryLimit(t *testing.T) {
	e := newExecutor(t, `{"steps": [{"id": "A", "handler": "A"}]}`, newRegistry(t, echoHandler("A")), ExecutorConfig{HistoryLimit: 2})
	for i := 0; i < 5; i++ {
		_, err := e.Run(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, e.ReasoningHistory(), 2)
}

func TestExecutor_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), failingHandler("B"), echoHandler("C")), ExecutorConfig{
		Tracer: tp.Tracer("test"),
	})
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	spans := sr.Ended()
	names := map[string]int{}
	var failed int
	for _, s := range spans {
		names[s.Name()]++
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, names["leadflow.run"])
	assert.Equal(t, 2, names["leadflow.step"], "skipped steps get no span")
	assert.Equal(t, 1, failed)
}

func TestExecutor_LogsCarryRunID(t *testing.T) {
	var buf bytes.Buffer
	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), echoHandler("B"), echoHandler("C")), ExecutorConfig{
		Logger:   logging.New(&buf, "info"),
		NewRunID: func() string { return "run-log" },
	})
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-log"`)
	assert.Contains(t, out, `"step_id":"B"`)
	assert.Contains(t, out, "run finished")
}

func TestExecutor_ConcurrentRuns(t *testing.T) {
	doc := `{
  "inputs": {"campaign": "default"},
  "steps": [
    {"id": "A", "handler": "A", "inputs": {"campaign": "{{inputs.campaign}}"}},
    {"id": "B", "handler": "B", "inputs": {"from_a": "{{A.output.inputs.campaign}}"}}
  ]
}`
	e := newExecutor(t, doc, newRegistry(t, echoHandler("A"), echoHandler("B")), ExecutorConfig{})

	const runs = 16
	var wg sync.WaitGroup
	results := make([]string, runs)
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := e.RunWithInputs(context.Background(), map[string]any{"campaign": fmt.Sprintf("c-%d", i)})
			errs[i] = err
			if err == nil {
				results[i], _ = report.Step("B").Output["inputs"].(map[string]any)["from_a"].(string)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("c-%d", i), results[i])
	}

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", report.Step("B").Output["inputs"].(map[string]any)["from_a"])
}
