package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/leadflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The write lock is taken before the sequence is read so
// concurrent runs sharing one database never interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if err := el.store.requireSchema(ctx); err != nil {
		return err
	}
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; a write forces
	// lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+versionTable+` (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+versionTable+` WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepPayload is the payload shape of step events.
type StepPayload struct {
	Handler string         `json:"handler,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Cause   string         `json:"cause,omitempty"`
}

// ReplayEvents replays all events for a run and returns the reconstructed
// step progress. It serves runs that are still in flight and therefore have
// no stored report. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepProgress, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	steps := make(map[string]*StepProgress)
	if len(events) == 0 {
		return steps, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		sp, ok := steps[e.StepID]
		if !ok {
			sp = &StepProgress{StepID: e.StepID, Status: schema.StepStatusPending}
			steps[e.StepID] = sp
		}

		switch e.Type {
		case schema.EventStepStarted:
			sp.Status = schema.StepStatusRunning
			ts := e.Timestamp
			sp.StartedAt = &ts

		case schema.EventStepSucceeded, schema.EventStepFailed:
			sp.Status = schema.StepStatusSuccess
			if e.Type == schema.EventStepFailed {
				sp.Status = schema.StepStatusFailed
				var p StepPayload
				if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
					sp.Cause = p.Cause
				}
			}
			ts := e.Timestamp
			sp.CompletedAt = &ts
			if sp.StartedAt != nil {
				sp.DurationMs = ts.Sub(*sp.StartedAt).Milliseconds()
			}
		}
	}

	return steps, nil
}

// RunStatusFromEvents derives the run status from its event log: running
// after run_started, then completed or aborted.
func RunStatusFromEvents(events []*Event) schema.RunStatus {
	status := schema.RunStatusNotStarted
	for _, e := range events {
		switch e.Type {
		case schema.EventRunStarted:
			status = schema.RunStatusRunning
		case schema.EventRunCompleted:
			status = schema.RunStatusCompleted
		case schema.EventRunAborted:
			status = schema.RunStatusAborted
		}
	}
	return status
}
