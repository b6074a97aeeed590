package streaming

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/leadflow/pkg/schema"
)

// StreamEvent is a live lifecycle event of one run.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether e is the last event of its run.
func (e StreamEvent) Terminal() bool {
	return e.EventType == schema.EventRunCompleted || e.EventType == schema.EventRunAborted
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	RunID string `json:"run_id,omitempty"`
	// StepIDs narrows step events. Run-level events carry no step id and
	// always pass.
	StepIDs    []string `json:"step_ids,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	// UntilRunEnd closes the subscription once RunID's run_completed or
	// run_aborted has been published, whether or not EventTypes lets it
	// through. It requires RunID.
	UntilRunEnd bool `json:"until_run_end,omitempty"`
}

// Match reports whether e passes f.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.StepIDs) > 0 && e.StepID != "" && !slices.Contains(f.StepIDs, e.StepID) {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// ends reports whether e closes a subscription with filter f.
func (f EventFilter) ends(e StreamEvent) bool {
	return f.UntilRunEnd && e.RunID == f.RunID && e.Terminal()
}

// HubStats counts hub traffic since creation.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	// Subscribe returns the event channel and a cancel function. The
	// channel is closed by cancel, or after the run ends for UntilRunEnd
	// filters.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
	Stats() HubStats
}
