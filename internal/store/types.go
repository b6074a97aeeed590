package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunSummary is the listing view of a stored report.
type RunSummary struct {
	RunID        string           `json:"run_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	Success      bool             `json:"success"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// StepProgress is a step's state rebuilt from the event log.
type StepProgress struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Cause       string            `json:"cause,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// --- Filters ---

// RunFilter specifies criteria for listing runs. Results are newest first.
type RunFilter struct {
	WorkflowName string            `json:"workflow_name,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ReasoningFilter specifies criteria for listing reasoning records. Results
// are in timestamp order.
type ReasoningFilter struct {
	RunID  string `json:"run_id,omitempty"`
	StepID string `json:"step_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
