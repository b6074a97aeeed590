package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/tracing"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// ErrRunAborted is returned alongside the report of a run that could not
// finish: cancellation or a broken executor invariant. Step failures never
// produce it.
var ErrRunAborted = errors.New("run aborted")

// HandlerSource resolves handler names. Satisfied by *handlers.Registry.
type HandlerSource interface {
	Get(name string) (handlers.StepHandler, error)
}

// ExecutorConfig holds configuration for the executor. The zero value is
// usable: process environment, no event log, template reasoning, no step
// timeout, global tracer.
type ExecutorConfig struct {
	Environment  expressions.Environment
	Events       EventAppender
	Reasoner     agent.Reasoner
	Schemas      *validation.SchemaValidator // nil disables output_schema checks
	StepTimeout  time.Duration               // applies to steps without their own timeout
	HistoryLimit int
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Now          func() time.Time
	NewRunID     func() string
}

// Executor runs a Graph. It holds no per-run state, so one Executor serves
// any number of concurrent runs.
type Executor struct {
	graph    *Graph
	runtimes map[string]*agent.Runtime
	resolver *expressions.Resolver
	runFSM   *RunFSM
	stepFSM  *StepFSM
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newRunID func() string
}

// NewExecutor binds every step of g to its handler and agent runtime.
func NewExecutor(g *Graph, source HandlerSource, cfg ExecutorConfig) (*Executor, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "graph is nil")
	}
	if source == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerUnavailable, "handler source is nil")
	}

	e := &Executor{
		graph:    g,
		runtimes: make(map[string]*agent.Runtime, g.Len()),
		resolver: expressions.NewResolver(cfg.Environment),
		runFSM:   NewRunFSM(cfg.Events),
		stepFSM:  NewStepFSM(cfg.Events),
		logger:   logging.OrDiscard(cfg.Logger),
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		newRunID: cfg.NewRunID,
	}
	if e.tracer == nil {
		e.tracer = tracing.Tracer()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newRunID == nil {
		e.newRunID = uuid.NewString
	}

	for _, step := range g.steps {
		h, err := source.Get(step.HandlerName())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable,
				"step %q: handler %q unavailable", step.ID, step.HandlerName()).WithStep(step.ID).WithCause(err)
		}
		rt, err := agent.NewRuntime(step, h, agent.Options{
			Reasoner:     cfg.Reasoner,
			Schemas:      cfg.Schemas,
			Timeout:      cfg.StepTimeout,
			HistoryLimit: cfg.HistoryLimit,
			Logger:       e.logger,
			Now:          e.now,
		})
		if err != nil {
			return nil, err
		}
		e.runtimes[step.ID] = rt
	}
	return e, nil
}

// Graph returns the graph this executor runs.
func (e *Executor) Graph() *Graph { return e.graph }

// Run executes the graph once with its declared inputs.
func (e *Executor) Run(ctx context.Context) (*schema.ExecutionReport, error) {
	return e.RunWithInputs(ctx, nil)
}

// RunWithInputs executes the graph once. Keys in inputs override the
// graph's shared inputs for this run only.
//
// Step failures are reported in the returned report and never as an error.
// The error is non-nil only when the run was aborted; the report is still
// returned and lists every step.
func (e *Executor) RunWithInputs(ctx context.Context, inputs map[string]any) (*schema.ExecutionReport, error) {
	runID := e.newRunID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, e.logger)

	ctx, span := tracing.StartSpan(ctx, e.tracer, "leadflow.run",
		attribute.String(tracing.RunIDKey, runID),
		attribute.String(tracing.WorkflowNameKey, e.graph.name),
	)
	defer span.End()

	r := &run{
		exec:  e,
		id:    runID,
		state: NewExecutionState(e.graph, mergeInputs(e.graph.inputs, inputs)),
	}
	started := e.now().UTC()

	r.emit(ctx, e.runFSM.Transition(ctx, runID, schema.RunStatusNotStarted, schema.RunStatusRunning,
		map[string]any{"workflow_name": e.graph.name, "steps": e.graph.Order()}))
	log.InfoContext(ctx, "run started", slog.String("workflow", e.graph.name), slog.Int("steps", e.graph.Len()))

	abortErr := r.walk(ctx)

	status := schema.RunStatusCompleted
	if abortErr != nil {
		status = schema.RunStatusAborted
	}
	report := r.state.Report(runID, e.graph.name, status, started, e.now().UTC())
	failed := report.Failed(e.graph.Order())

	r.emit(ctx, e.runFSM.Transition(ctx, runID, schema.RunStatusRunning, status,
		map[string]any{"success": report.Success, "failed_steps": failed}))

	span.SetAttributes(attribute.String(tracing.RunStatusKey, string(status)))
	attrs := []any{
		slog.String("status", string(status)),
		slog.Bool("success", report.Success),
		slog.Int("failed_steps", len(failed)),
		slog.Int64("duration_ms", report.CompletedAt.Sub(started).Milliseconds()),
	}
	if abortErr != nil {
		tracing.SetError(span, abortErr, attribute.String(tracing.ErrorCodeKey, schema.CodeOf(abortErr)))
		log.ErrorContext(ctx, "run aborted", append(attrs, slog.String("error", abortErr.Error()))...)
		return report, fmt.Errorf("%w: %w", ErrRunAborted, abortErr)
	}
	log.InfoContext(ctx, "run finished", attrs...)
	return report, nil
}

// ReasoningHistory returns the retained reasoning records of every step,
// ordered by timestamp.
func (e *Executor) ReasoningHistory() []agent.ReasoningRecord {
	return e.collect(func(rt *agent.Runtime) []agent.ReasoningRecord { return rt.History() })
}

// DrainReasoning returns and clears the retained reasoning records.
func (e *Executor) DrainReasoning() []agent.ReasoningRecord {
	return e.collect(func(rt *agent.Runtime) []agent.ReasoningRecord { return rt.Drain() })
}

// DrainRunReasoning returns and clears the records of one run. Runs still
// in flight on the same executor keep theirs.
func (e *Executor) DrainRunReasoning(runID string) []agent.ReasoningRecord {
	return e.collect(func(rt *agent.Runtime) []agent.ReasoningRecord { return rt.DrainRun(runID) })
}

// StepReasoning returns one step's retained records.
func (e *Executor) StepReasoning(stepID string) ([]agent.ReasoningRecord, error) {
	rt, ok := e.runtimes[stepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	return rt.History(), nil
}

func (e *Executor) collect(take func(*agent.Runtime) []agent.ReasoningRecord) []agent.ReasoningRecord {
	var out []agent.ReasoningRecord
	for _, id := range e.graph.Order() {
		out = append(out, take(e.runtimes[id])...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// resolve substitutes references in a step's inputs and tool configs.
func (e *Executor) resolve(step *schema.StepDefinition, scope *expressions.Scope) (map[string]any, []schema.ToolDescriptor, error) {
	inputs, err := e.resolver.ResolveMap(step.Inputs, scope)
	if err != nil {
		return nil, nil, err
	}
	tools := make([]schema.ToolDescriptor, len(step.Tools))
	for i, t := range step.Tools {
		cfg, err := e.resolver.ResolveMap(t.Config, scope)
		if err != nil {
			return nil, nil, err
		}
		tools[i] = schema.ToolDescriptor{Name: t.Name, Description: t.Description, Config: cfg}
	}
	return inputs, tools, nil
}

// run is one execution of the graph.
type run struct {
	exec  *Executor
	id    string
	state *ExecutionState
}

// walk visits steps in declaration order. It returns non-nil only when the
// run must abort.
func (r *run) walk(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = schema.NewErrorf(schema.ErrCodeInvariant, "panic in executor: %v", p).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()

	steps := r.exec.graph.steps
	for i := range steps {
		if ctx.Err() != nil {
			return r.cancelRemaining(ctx, steps[i:])
		}
		if err := r.step(ctx, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// step runs one step to a terminal status. Step failures are recorded in
// state; the returned error is reserved for invariant violations.
func (r *run) step(ctx context.Context, step *schema.StepDefinition) error {
	handler := step.HandlerName()
	ctx = logging.WithStep(ctx, step.ID, handler)
	log := logging.LogWith(ctx, r.exec.logger)

	if dep := r.state.FailedDependency(r.exec.graph.deps[step.ID]); dep != "" {
		log.InfoContext(ctx, "step skipped", slog.String("failed_dependency", dep))
		return r.fail(ctx, step, schema.StepStatusPending, schema.UpstreamFailedCause, nil)
	}

	ctx, span := tracing.StartSpan(ctx, r.exec.tracer, "leadflow.step",
		attribute.String(tracing.RunIDKey, r.id),
		attribute.String(tracing.StepIDKey, step.ID),
		attribute.String(tracing.HandlerKey, handler),
	)
	defer span.End()

	if err := r.state.Start(step.ID); err != nil {
		return err
	}
	r.emit(ctx, r.exec.stepFSM.Transition(ctx, r.id, step.ID, schema.StepStatusPending, schema.StepStatusRunning,
		store.StepPayload{Handler: handler}))
	log.InfoContext(ctx, "step started")

	output, err := r.invoke(ctx, step)
	if err != nil {
		pe := stepError(err, step.ID)
		tracing.SetError(span, pe, attribute.String(tracing.ErrorCodeKey, pe.Code))
		span.SetAttributes(attribute.String(tracing.StepStatusKey, string(schema.StepStatusFailed)))
		log.WarnContext(ctx, "step failed", slog.String("code", pe.Code), slog.String("error", pe.Message))
		return r.fail(ctx, step, schema.StepStatusRunning, pe.Message,
			&schema.ErrorRecord{StepID: step.ID, Message: pe.Message, Cause: pe.Code})
	}

	if err := r.state.Succeed(step.ID, output); err != nil {
		return err
	}
	span.SetAttributes(attribute.String(tracing.StepStatusKey, string(schema.StepStatusSuccess)))
	r.emit(ctx, r.exec.stepFSM.Transition(ctx, r.id, step.ID, schema.StepStatusRunning, schema.StepStatusSuccess,
		store.StepPayload{Handler: handler, Output: output}))
	log.InfoContext(ctx, "step succeeded")
	return nil
}

// invoke resolves the step against the current scope and runs its handler.
func (r *run) invoke(ctx context.Context, step *schema.StepDefinition) (map[string]any, error) {
	inputs, tools, err := r.exec.resolve(step, r.state.Scope())
	if err != nil {
		return nil, err
	}
	output, _, err := r.exec.runtimes[step.ID].Invoke(ctx, inputs, tools)
	return output, err
}

func (r *run) fail(ctx context.Context, step *schema.StepDefinition, from schema.StepStatus, cause string, rec *schema.ErrorRecord) error {
	if err := r.state.Fail(step.ID, cause, rec); err != nil {
		return err
	}
	r.emit(ctx, r.exec.stepFSM.Transition(ctx, r.id, step.ID, from, schema.StepStatusFailed,
		store.StepPayload{Handler: step.HandlerName(), Cause: cause}))
	return nil
}

// cancelRemaining fails every step that has not started with the
// cancellation cause. No error records are added: the steps never ran.
func (r *run) cancelRemaining(ctx context.Context, remaining []schema.StepDefinition) error {
	cause := context.Cause(ctx)
	reason := "run cancelled: " + cause.Error()
	logging.LogWith(ctx, r.exec.logger).WarnContext(ctx, "run cancelled",
		slog.Int("remaining_steps", len(remaining)), slog.String("cause", cause.Error()))

	for i := range remaining {
		if err := r.fail(ctx, &remaining[i], schema.StepStatusPending, reason, nil); err != nil {
			return err
		}
	}
	return schema.NewError(schema.ErrCodeCancelled, reason).WithCause(cause)
}

// emit logs event log failures. The event log is an audit trail; losing an
// entry does not fail the run.
func (r *run) emit(ctx context.Context, err error) {
	if err == nil {
		return
	}
	logging.LogWith(ctx, r.exec.logger).WarnContext(ctx, "event not recorded", slog.String("error", err.Error()))
}

// stepError normalizes err into a PipelineError attributed to stepID.
func stepError(err error, stepID string) *schema.PipelineError {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		cp := *pe
		cp.StepID = stepID
		return &cp
	}
	return schema.NewError(schema.ErrCodeHandlerExecution, err.Error()).WithStep(stepID).WithCause(err)
}

func mergeInputs(base, overrides map[string]any) map[string]any {
	if overrides == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
