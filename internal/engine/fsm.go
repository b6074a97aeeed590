package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type noopAppender struct{}

func (noopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

// --- Run FSM ---

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via appender. A nil appender
// discards events.
func NewRunFSM(appender EventAppender) *RunFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &RunFSM{appender: appender}
}

// Transition validates a run transition and emits its event. An invalid
// transition returns INVALID_TRANSITION and emits nothing; an emission
// failure returns STORE_ERROR after the transition has been accepted.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType == "" {
		return nil
	}
	if err := emit(ctx, f.appender, &store.Event{RunID: runID, Type: eventType}, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewStepFSM creates a StepFSM that emits events via appender. A nil
// appender discards events.
func NewStepFSM(appender EventAppender) *StepFSM {
	if appender == nil {
		appender = noopAppender{}
	}
	return &StepFSM{appender: appender}
}

// Transition validates a step transition and emits its event, with the same
// error contract as RunFSM.Transition.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, StepID: stepID, Type: eventType}
	if err := emit(ctx, f.appender, event, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithStep(stepID).WithCause(err)
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSuccess:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}

func emit(ctx context.Context, appender EventAppender, event *store.Event, payload any) error {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		event.Payload = b
	}
	// Events outlive a cancelled run; the abort itself must be recorded.
	return appender.AppendEvent(context.WithoutCancel(ctx), event)
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusRunning},
	schema.RunStatusRunning:    {schema.RunStatusCompleted, schema.RunStatusAborted},
	schema.RunStatusCompleted:  {},
	schema.RunStatusAborted:    {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// pending -> failed covers steps that never start: upstream failures and
// cancellation.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusRunning: {schema.StepStatusSuccess, schema.StepStatusFailed},
	schema.StepStatusSuccess: {},
	schema.StepStatusFailed:  {},
}
