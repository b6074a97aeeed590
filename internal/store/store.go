package store

import (
	"context"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/pkg/schema"
)

// Store persists run artifacts: execution reports, the lifecycle event log
// and drained reasoning records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Reports
	SaveReport(ctx context.Context, report *schema.ExecutionReport) error
	GetReport(ctx context.Context, runID string) (*schema.ExecutionReport, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Reasoning history
	SaveReasoning(ctx context.Context, records []agent.ReasoningRecord) error
	ListReasoning(ctx context.Context, filter ReasoningFilter) ([]agent.ReasoningRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
