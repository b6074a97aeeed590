package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/leadflow/internal/scheduler"
)

// handleCreateJob adds a recurring run of the served graph.
func (s *PanelServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}

	var body struct {
		ID             string         `json:"id"`
		Name           string         `json:"name"`
		CronExpression string         `json:"cron_expression"`
		Inputs         map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "cron_expression is required")
		return
	}

	job, err := s.deps.Scheduler.AddJob(scheduler.Job{
		ID:             body.ID,
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Inputs:         body.Inputs,
	})
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *PanelServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	jobID := r.PathValue("id")
	if err := s.deps.Scheduler.RemoveJob(jobID); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": jobID})
}

// handleRunJob runs a job immediately and returns its report.
func (s *PanelServer) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled")
		return
	}
	report, err := s.deps.Scheduler.RunNow(r.Context(), r.PathValue("id"))
	if report == nil {
		writePipelineError(w, err)
		return
	}
	resp := map[string]any{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
