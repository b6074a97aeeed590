package engine

import (
	"sync"
	"time"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

// ExecutionState is the per-run record of step statuses and outputs. It is
// monotonic: a step moves pending -> running -> success|failed, and a
// finalized step is never rewritten. Each run owns its own state.
type ExecutionState struct {
	mu     sync.Mutex
	order  []string
	status map[string]schema.StepStatus
	causes map[string]string
	errors []schema.ErrorRecord
	scope  *expressions.ScopeBuilder
}

// NewExecutionState creates a state with every step of g pending. inputs
// replaces the graph's shared inputs when non-nil.
func NewExecutionState(g *Graph, inputs map[string]any) *ExecutionState {
	if inputs == nil {
		inputs = g.inputs
	}
	s := &ExecutionState{
		order:  g.Order(),
		status: make(map[string]schema.StepStatus, g.Len()),
		causes: make(map[string]string),
		scope:  expressions.NewScopeBuilder(g.config, inputs),
	}
	for _, id := range s.order {
		s.status[id] = schema.StepStatusPending
	}
	return s
}

// Status returns a step's current status.
func (s *ExecutionState) Status(id string) schema.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

// Scope returns a snapshot for reference resolution.
func (s *ExecutionState) Scope() *expressions.Scope {
	return s.scope.Build()
}

// Start moves a pending step to running.
func (s *ExecutionState) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(id, schema.StepStatusRunning)
}

// Succeed records a running step's output. The output is frozen on insert.
func (s *ExecutionState) Succeed(id string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(id, schema.StepStatusSuccess); err != nil {
		return err
	}
	if err := s.scope.AddStepOutput(id, output); err != nil {
		return err
	}
	s.status[id] = schema.StepStatusSuccess
	return nil
}

// Fail finalizes a step as failed. A non-nil record is appended to the
// run's error list; steps that never ran pass nil.
func (s *ExecutionState) Fail(id, cause string, record *schema.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.move(id, schema.StepStatusFailed); err != nil {
		return err
	}
	s.causes[id] = cause
	if record != nil {
		s.errors = append(s.errors, *record)
	}
	return nil
}

// FailedDependency returns the first of deps that failed, or "".
func (s *ExecutionState) FailedDependency(deps []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deps {
		if s.status[d] == schema.StepStatusFailed {
			return d
		}
	}
	return ""
}

// Report builds the execution report. Steps still non-terminal (only
// possible after an abort) appear with their current status.
func (s *ExecutionState) Report(runID, workflow string, status schema.RunStatus, started, completed time.Time) *schema.ExecutionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &schema.ExecutionReport{
		RunID:        runID,
		WorkflowName: workflow,
		Status:       status,
		Data:         make(map[string]*schema.StepReport, len(s.order)),
		Errors:       append([]schema.ErrorRecord{}, s.errors...),
		StartedAt:    started,
		CompletedAt:  completed,
	}

	failed := 0
	for _, id := range s.order {
		sr := &schema.StepReport{Status: s.status[id], Cause: s.causes[id]}
		if out, ok := s.scope.StepOutput(id); ok {
			sr.Output = out
		}
		if sr.Status != schema.StepStatusSuccess {
			failed++
		}
		report.Data[id] = sr
	}
	report.Success = status == schema.RunStatusCompleted && failed == 0
	return report
}

func (s *ExecutionState) move(id string, to schema.StepStatus) error {
	if err := s.check(id, to); err != nil {
		return err
	}
	s.status[id] = to
	return nil
}

// check rejects unknown steps and any transition outside the step table.
// Both mean the executor's bookkeeping is corrupt.
func (s *ExecutionState) check(id string, to schema.StepStatus) error {
	from, ok := s.status[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvariant, "unknown step %q", id).WithStep(id)
	}
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	if from.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvariant,
			"step %q already finalized as %s", id, from).WithStep(id)
	}
	return schema.NewErrorf(schema.ErrCodeInvariant,
		"step %q cannot move from %s to %s", id, from, to).WithStep(id)
}
