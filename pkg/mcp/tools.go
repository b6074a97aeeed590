package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/leadflow/internal/diagram"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/pkg/schema"
)

// runResponse is the leadflow.run result. Error is set when the run was
// aborted; the report is returned either way.
type runResponse struct {
	Report *schema.ExecutionReport `json:"report"`
	Error  string                  `json:"error,omitempty"`
}

// progressResponse describes a run that has events but no saved report.
type progressResponse struct {
	RunID  string                         `json:"run_id"`
	Status schema.RunStatus               `json:"status"`
	Steps  map[string]*store.StepProgress `json:"steps"`
}

// handleRun executes a graph and saves its report and reasoning.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := s.graphFrom(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph load failed: %v", err)), nil
	}

	clientID := req.GetString("client_id", "")
	s.captureSession(ctx, clientID)

	cfg := s.execCfg
	stopProgress := func() {}
	if s.hub != nil && clientID != "" {
		runID := uuid.NewString()
		cfg.NewRunID = func() string { return runID }
		stopProgress = s.streamProgress(ctx, clientID, runID)
	}

	exec, err := engine.NewExecutor(g, s.handlers, cfg)
	if err != nil {
		stopProgress()
		return mcp.NewToolResultError(fmt.Sprintf("executor setup failed: %v", err)), nil
	}

	inputs := mcp.ParseStringMap(req, "inputs", nil)
	report, runErr := exec.RunWithInputs(ctx, inputs)
	stopProgress()
	if report == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	if s.store != nil {
		if err := engine.RecordRun(ctx, s.store, exec, report); err != nil {
			s.logger.Error("failed to record run", slog.String("run_id", report.RunID), slog.String("error", err.Error()))
		}
	}
	s.NotifyRunFinished(ctx, clientID, report)

	resp := runResponse{Report: report}
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	return marshalResult(resp)
}

// handleValidate reports every problem in a graph document. A valid graph
// also gets its execution order and direct dependencies.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, format, err := documentFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if data == nil {
		return mcp.NewToolResultError("one of graph or document is required"), nil
	}

	def, result := s.loader.Check(data, format)
	resp := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if !result.Valid() {
		return marshalResult(resp)
	}

	g, err := s.loader.Build(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph build failed: %v", err)), nil
	}
	deps := make(map[string][]string, g.Len())
	for _, id := range g.Order() {
		deps[id] = g.Dependencies(id)
	}
	resp["workflow_name"] = g.Name()
	resp["order"] = g.Order()
	resp["dependencies"] = deps

	if kind := req.GetString("diagram", ""); kind != "" {
		model, err := diagram.Build(g, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
		}
		switch kind {
		case "mermaid":
			resp["diagram"] = diagram.RenderMermaid(model)
		case "ascii":
			resp["diagram"] = diagram.RenderASCII(model)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown diagram format %q", kind)), nil
		}
	}
	return marshalResult(resp)
}

// handleReport returns the saved report of a finished run. Runs still in
// flight, or aborted before saving, are rebuilt from the event log.
func (s *Server) handleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	report, err := s.store.GetReport(ctx, runID)
	if err == nil {
		return marshalResult(report)
	}
	if !errors.Is(err, schema.ErrNotFound) || s.replayer == nil {
		return mcp.NewToolResultError(fmt.Sprintf("report lookup failed: %v", err)), nil
	}

	steps, err := s.replayer.ReplayEvents(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event replay failed: %v", err)), nil
	}
	if len(steps) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}
	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}
	return marshalResult(progressResponse{
		RunID:  runID,
		Status: store.RunStatusFromEvents(events),
		Steps:  steps,
	})
}

// handleReasoning lists reasoning records drained from past runs.
func (s *Server) handleReasoning(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	records, err := s.store.ListReasoning(ctx, store.ReasoningFilter{
		RunID:  runID,
		StepID: req.GetString("step_id", ""),
		Limit:  mcp.ParseInt(req, "limit", 100),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"records": records})
}

// handleRuns lists run summaries.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["workflow_name"].(string); ok {
		rf.WorkflowName = name
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// NotifyRunFinished pushes a run summary to the client that started it, or
// to every connected client when clientID is empty (scheduled runs).
// Best-effort: failures are logged.
func (s *Server) NotifyRunFinished(ctx context.Context, clientID string, report *schema.ExecutionReport) {
	if report == nil {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "leadflow",
		"data": map[string]any{
			"event":         "run_finished",
			"run_id":        report.RunID,
			"workflow_name": report.WorkflowName,
			"status":        report.Status,
			"success":       report.Success,
		},
	}

	var err error
	if clientID == "" {
		err = s.notifier.Broadcast(ctx, payload)
	} else {
		err = s.notifier.Notify(ctx, clientID, payload)
	}
	if err != nil {
		s.logger.Warn("run notification failed", slog.String("run_id", report.RunID), slog.String("error", err.Error()))
	}
}

// streamProgress forwards the step outcomes of runID to clientID until the
// run ends or the returned function is called. The function returns once
// every event published so far has been sent.
func (s *Server) streamProgress(ctx context.Context, clientID, runID string) func() {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		RunID:       runID,
		EventTypes:  []string{schema.EventStepSucceeded, schema.EventStepFailed},
		UntilRunEnd: true,
	})
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			payload := map[string]any{
				"level":  "info",
				"logger": "leadflow",
				"data": map[string]any{
					"event":      "step_finished",
					"run_id":     ev.RunID,
					"step_id":    ev.StepID,
					"event_type": ev.EventType,
					"payload":    ev.Payload,
				},
			}
			if err := s.notifier.Notify(context.WithoutCancel(ctx), clientID, payload); err != nil {
				s.logger.Warn("step notification failed", slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// --- Internal helpers ---

// graphFrom builds the graph named by a leadflow.run request: inline
// graph, document text, a path, or the configured default, in that order.
func (s *Server) graphFrom(req mcp.CallToolRequest) (*engine.Graph, error) {
	data, format, err := documentFrom(req)
	if err != nil {
		return nil, err
	}
	if data != nil {
		return s.loader.Parse(data, format)
	}

	path := req.GetString("path", s.graphPath)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "no graph given and no default graph configured")
	}
	return s.loader.Load(path)
}

// documentFrom returns the raw document of a request, or nil when the
// request carries neither graph nor document.
func documentFrom(req mcp.CallToolRequest) ([]byte, engine.Format, error) {
	if graph := mcp.ParseStringMap(req, "graph", nil); graph != nil {
		data, err := json.Marshal(graph)
		if err != nil {
			return nil, "", fmt.Errorf("encode graph: %w", err)
		}
		return data, engine.FormatJSON, nil
	}
	if doc := req.GetString("document", ""); doc != "" {
		return []byte(doc), engine.Format(req.GetString("format", "")), nil
	}
	return nil, "", nil
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if clientID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
