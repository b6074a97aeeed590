package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// Options configure a Runtime. The zero value reasons from a template, has
// no timeout and keeps DefaultHistoryLimit records.
type Options struct {
	Reasoner Reasoner
	// Schemas checks step output_schema. Nil skips the check.
	Schemas *validation.SchemaValidator
	// Timeout applies when the step declares none. Zero means no limit.
	Timeout      time.Duration
	HistoryLimit int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Runtime wraps one step's handler in the reason-then-act contract. It is
// safe for concurrent use; concurrent runs of a graph share it.
type Runtime struct {
	step     schema.StepDefinition
	handler  handlers.StepHandler
	reasoner Reasoner
	schemas  *validation.SchemaValidator
	timeout  time.Duration
	history  *History
	logger   *slog.Logger
	now      func() time.Time
}

// NewRuntime binds handler to step. A step timeout overrides opts.Timeout.
func NewRuntime(step schema.StepDefinition, handler handlers.StepHandler, opts Options) (*Runtime, error) {
	if handler == nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "no handler for step %q", step.ID).WithStep(step.ID)
	}

	timeout := opts.Timeout
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeGraphValidation, "invalid timeout %q", step.Timeout).WithStep(step.ID)
		}
		timeout = d
	}

	r := &Runtime{
		step:     step,
		handler:  handler,
		reasoner: opts.Reasoner,
		schemas:  opts.Schemas,
		timeout:  timeout,
		history:  NewHistory(opts.HistoryLimit),
		logger:   logging.OrDiscard(opts.Logger),
		now:      opts.Now,
	}
	if r.reasoner == nil {
		r.reasoner = TemplateReasoner{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Runtime) StepID() string         { return r.step.ID }
func (r *Runtime) Timeout() time.Duration { return r.timeout }

// History returns the retained records, oldest first.
func (r *Runtime) History() []ReasoningRecord { return r.history.Records() }

// Drain returns the retained records and clears them.
func (r *Runtime) Drain() []ReasoningRecord { return r.history.Drain() }

// DrainRun returns and clears the records of runID only.
func (r *Runtime) DrainRun(runID string) []ReasoningRecord { return r.history.DrainRun(runID) }

// Invoke reasons about the step, then runs the handler. inputs and tools
// must already be resolved. The step timeout covers both phases. The record
// is returned and retained whether or not the handler succeeds.
func (r *Runtime) Invoke(ctx context.Context, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, ReasoningRecord, error) {
	handlerName := r.step.HandlerName()
	ctx = logging.WithStep(ctx, r.step.ID, handlerName)
	log := logging.LogWith(ctx, r.logger)
	start := r.now()

	stepCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	in := ReasoningInput{
		StepID:       r.step.ID,
		Handler:      handlerName,
		Instructions: r.step.Instructions,
		Inputs:       inputs,
		Tools:        tools,
	}
	reasoning, err := r.reason(stepCtx, in)
	if err != nil {
		log.WarnContext(ctx, "reasoning failed", slog.String("error", err.Error()))
		reasoning = "Error in reasoning: " + err.Error()
	}

	var output map[string]any
	if ctxErr := stepCtx.Err(); ctxErr != nil {
		// Out of budget before acting; the handler never runs.
		err = r.classify(ctx, stepCtx, ctxErr)
	} else {
		output, err = r.act(ctx, stepCtx, inputs, tools)
		if err == nil {
			output, err = r.checkOutput(output)
		}
	}

	rec := ReasoningRecord{
		ID:         uuid.NewString(),
		RunID:      logging.RunID(ctx),
		StepID:     r.step.ID,
		Handler:    handlerName,
		Reasoning:  reasoning,
		Inputs:     inputs,
		Output:     output,
		Timestamp:  start.UTC(),
		DurationMs: r.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Output = nil
		output = nil
		log.WarnContext(ctx, "step handler failed", slog.String("error", err.Error()), slog.Int64("duration_ms", rec.DurationMs))
	} else {
		log.DebugContext(ctx, "step handler succeeded", slog.Int64("duration_ms", rec.DurationMs))
	}
	r.history.Append(rec)
	return output, rec, err
}

type reasonResult struct {
	text string
	err  error
}

// reason runs the reasoner under the step deadline. A reasoner panic is
// returned as an error so it stays a reasoning failure of this step.
func (r *Runtime) reason(ctx context.Context, in ReasoningInput) (string, error) {
	done := make(chan reasonResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("reasoner panicked",
					slog.String("step_id", r.step.ID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				done <- reasonResult{err: fmt.Errorf("reasoner panicked: %v", p)}
			}
		}()
		text, err := r.reasoner.Reason(ctx, in)
		done <- reasonResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type actResult struct {
	output map[string]any
	err    error
}

// act runs the handler on its own goroutine so the timeout holds even for
// handlers that ignore ctx. A handler still running after a timeout is
// abandoned; its result is discarded.
func (r *Runtime) act(parent, stepCtx context.Context, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	handlerInputs, _ := expressions.DeepCopy(inputs).(map[string]any)
	if handlerInputs == nil {
		handlerInputs = map[string]any{}
	}
	handlerTools := copyTools(tools)

	done := make(chan actResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("step handler panicked",
					slog.String("step_id", r.step.ID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				done <- actResult{err: schema.NewErrorf(schema.ErrCodeHandlerExecution, "handler panicked: %v", p).
					WithStep(r.step.ID).
					WithDetails(map[string]any{"handler": r.step.HandlerName()})}
			}
		}()
		out, err := r.handler.Execute(stepCtx, r.step.Instructions, handlerInputs, handlerTools)
		done <- actResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, r.classify(parent, stepCtx, res.err)
		}
		return res.output, nil
	case <-stepCtx.Done():
		return nil, r.classify(parent, stepCtx, stepCtx.Err())
	}
}

// classify maps a handler failure onto the step error taxonomy.
func (r *Runtime) classify(parent, stepCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return schema.NewErrorf(schema.ErrCodeCancelled, "step cancelled: %s", parent.Err().Error()).
			WithStep(r.step.ID).WithCause(parent.Err())
	case r.timeout > 0 && errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "step exceeded timeout of %s", r.timeout).
			WithStep(r.step.ID).
			WithCause(err).
			WithDetails(map[string]any{"timeout": r.timeout.String()})
	}

	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		if pe.StepID == "" {
			pe.StepID = r.step.ID
		}
		return pe
	}
	return schema.NewErrorf(schema.ErrCodeHandlerExecution, "%s: %s", r.step.HandlerName(), err.Error()).
		WithStep(r.step.ID).
		WithCause(err)
}

// checkOutput freezes the output and applies output_schema.
func (r *Runtime) checkOutput(output map[string]any) (map[string]any, error) {
	frozen, err := expressions.Freeze(output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerExecution, "output is not JSON-representable: %s", err.Error()).
			WithStep(r.step.ID).WithCause(err)
	}
	if r.schemas != nil && len(r.step.OutputSchema) > 0 {
		if err := r.schemas.ValidateOutput(frozen, r.step.OutputSchema); err != nil {
			var pe *schema.PipelineError
			if errors.As(err, &pe) {
				return nil, pe.WithStep(r.step.ID)
			}
			return nil, fmt.Errorf("step %s: %w", r.step.ID, err)
		}
	}
	return frozen, nil
}

func copyTools(tools []schema.ToolDescriptor) []schema.ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make([]schema.ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = t
		if t.Config != nil {
			out[i].Config, _ = expressions.DeepCopy(t.Config).(map[string]any)
		}
	}
	return out
}
