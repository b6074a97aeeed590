package panel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/scheduler"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/pkg/schema"
)

// Replayer rebuilds step progress for runs without a saved report.
type Replayer interface {
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.StepProgress, error)
}

// JobScheduler is the part of *scheduler.Scheduler the panel drives.
type JobScheduler interface {
	AddJob(job scheduler.Job) (scheduler.Job, error)
	RemoveJob(id string) error
	Jobs() []scheduler.Job
	Metrics() scheduler.PoolMetrics
	RunNow(ctx context.Context, id string) (*schema.ExecutionReport, error)
}

var _ JobScheduler = (*scheduler.Scheduler)(nil)

// PanelDeps holds the dependencies for the panel server. Store, Scheduler
// and Graph are optional; the routes that need them answer 404 when unset.
type PanelDeps struct {
	Store     store.Store
	Replayer  Replayer
	Scheduler JobScheduler
	Hub       streaming.EventHub
	Graph     *engine.Graph // drawn by /api/diagram
	Logger    *slog.Logger
}

// PanelServer serves a read-mostly JSON API over runs and the schedule,
// plus Server-Sent Events for live run progress.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	deps.Logger = logging.OrDiscard(deps.Logger)
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/reasoning", s.handleRunReasoning)
	mux.HandleFunc("GET /api/diagram", s.handleDiagram)

	// Scheduler.
	mux.HandleFunc("GET /api/scheduler", s.handleScheduler)
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/scheduler/{id}/run", s.handleRunJob)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}

// ListenAndServe serves the panel on addr until ctx is cancelled.
func (s *PanelServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
