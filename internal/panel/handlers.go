package panel

import (
	"errors"
	"net/http"
	"time"

	"github.com/rendis/leadflow/internal/diagram"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

const defaultListLimit = 50

// runProgress is returned for runs that have events but no saved report.
type runProgress struct {
	RunID  string                         `json:"run_id"`
	Status schema.RunStatus               `json:"status"`
	Steps  map[string]*store.StepProgress `json:"steps"`
}

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"ok":        true,
		"store":     s.deps.Store != nil,
		"scheduler": s.deps.Scheduler != nil,
	}
	if s.deps.Hub != nil {
		body["events"] = s.deps.Hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}

	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowName: q.Get("workflow"),
		Limit:        queryInt(r, "limit", defaultListLimit),
		Offset:       queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRun returns the saved report, or the run's progress rebuilt from the
// event log when it has not finished.
func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	ctx := r.Context()
	runID := r.PathValue("id")

	report, err := s.deps.Store.GetReport(ctx, runID)
	if err == nil {
		writeJSON(w, http.StatusOK, report)
		return
	}
	if !errors.Is(err, schema.ErrNotFound) || s.deps.Replayer == nil {
		writePipelineError(w, err)
		return
	}

	steps, err := s.deps.Replayer.ReplayEvents(ctx, runID)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	if len(steps) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	events, err := s.deps.Store.GetEvents(ctx, runID, 0)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runProgress{
		RunID:  runID,
		Status: store.RunStatusFromEvents(events),
		Steps:  steps,
	})
}

func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *PanelServer) handleRunReasoning(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no store configured")
		return
	}
	records, err := s.deps.Store.ListReasoning(r.Context(), store.ReasoningFilter{
		RunID:  r.PathValue("id"),
		StepID: r.URL.Query().Get("step_id"),
		Limit:  queryInt(r, "limit", defaultListLimit),
	})
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleDiagram draws the served graph. With ?run_id= each step carries its
// outcome from that run's saved report.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Graph == nil {
		writeError(w, http.StatusNotFound, "no graph configured")
		return
	}

	var report *schema.ExecutionReport
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if s.deps.Store == nil {
			writeError(w, http.StatusNotFound, "no store configured")
			return
		}
		rep, err := s.deps.Store.GetReport(r.Context(), runID)
		if err != nil {
			writePipelineError(w, err)
			return
		}
		report = rep
	}

	model, err := diagram.Build(s.deps.Graph, report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii or png")
	}
}

func (s *PanelServer) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    s.deps.Scheduler.Jobs(),
		"metrics": s.deps.Scheduler.Metrics(),
	})
}
