package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/pkg/schema"
)

func sampleReport() *schema.ExecutionReport {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &schema.ExecutionReport{
		RunID:        "run-1",
		WorkflowName: "outreach",
		Status:       schema.RunStatusCompleted,
		Success:      false,
		Data: map[string]*schema.StepReport{
			"prospect": {Status: schema.StepStatusSuccess, Output: map[string]any{"count": 3}},
			"enrich":   {Status: schema.StepStatusFailed, Cause: "provider unavailable"},
			"score":    {Status: schema.StepStatusFailed, Cause: schema.UpstreamFailedCause},
		},
		Errors: []schema.ErrorRecord{
			{StepID: "enrich", Message: "provider unavailable", Cause: schema.ErrCodeHandlerExecution},
		},
		StartedAt:   start,
		CompletedAt: start.Add(1500 * time.Millisecond),
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, sampleReport(), []string{"prospect", "enrich", "score", "missing"})
	out := buf.String()

	assert.Contains(t, out, "Workflow: outreach")
	assert.Contains(t, out, "Success:  false")
	assert.Contains(t, out, "Duration: 1.5s")
	assert.Contains(t, out, "✓ prospect")
	assert.Contains(t, out, "✗ enrich")
	assert.Contains(t, out, "("+schema.UpstreamFailedCause+")")
	assert.Contains(t, out, "Errors (1):")
	assert.Contains(t, out, "enrich [HANDLER_EXECUTION_ERROR]: provider unavailable")
	assert.NotContains(t, out, "missing")

	// Steps appear in execution order.
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("prospect")), bytes.Index(buf.Bytes(), []byte("enrich")))
}

func TestWriteResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow_results.json")
	history := []agent.ReasoningRecord{{ID: "r1", RunID: "run-1", StepID: "prospect", Reasoning: "Thought: find leads"}}

	require.NoError(t, writeResults(path, sampleReport(), history))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, false, got["success"])
	assert.Contains(t, got, "data")
	assert.Contains(t, got, "errors")
	require.Len(t, got["history"], 1)
}

func TestWriteResults_EmptyHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, writeResults(path, sampleReport(), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"history": []`)
}

func TestRun_Usage(t *testing.T) {
	assert.Equal(t, exitUsage, run(nil))
	assert.Equal(t, exitUsage, run([]string{"launch"}))
	assert.Equal(t, exitOK, run([]string{"version"}))
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
workflow_name: outreach
steps:
  - id: prospect
    handler: ProspectSearchAgent
  - id: enrich
    handler: DataEnrichmentAgent
    inputs:
      leads: "{{prospect.output.leads}}"
`), 0o644))
	assert.Equal(t, exitOK, runValidate([]string{"-graph", valid}))

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"workflow_name": "x", "steps": [{"id": "a", "handler": "Nope"}]}`), 0o644))
	assert.Equal(t, exitFailed, runValidate([]string{"-graph", invalid}))

	assert.Equal(t, exitFailed, runValidate([]string{"-graph", filepath.Join(dir, "absent.yaml")}))

	drawn := filepath.Join(dir, "graph.mmd")
	assert.Equal(t, exitOK, runValidate([]string{"-graph", valid, "-diagram", "mermaid", "-diagram-out", drawn}))
	mmd, err := os.ReadFile(drawn)
	require.NoError(t, err)
	assert.Contains(t, string(mmd), "prospect --> enrich")

	assert.Equal(t, exitUsage, runValidate([]string{"-graph", valid, "-diagram", "svg"}))
	assert.Equal(t, exitUsage, runValidate([]string{"-graph", valid, "-diagram", "png"}))
}

func TestRunRun_SimulatedPipeline(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("LEADFLOW_DB_PATH", filepath.Join(dir, "leadflow.db"))
	t.Setenv("LEADFLOW_LOG_LEVEL", "error")
	for _, k := range []string{"APOLLO_API_KEY", "CLAY_API_KEY", "BUILTWITH_API_KEY", "LLM_API_KEY", "LEADFLOW_OTEL", "LEADFLOW_STEP_TIMEOUT"} {
		t.Setenv(k, "")
	}

	graph := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(graph, []byte(`
workflow_name: outreach
inputs:
  icp:
    industry: SaaS
steps:
  - id: prospect
    handler: ProspectSearchAgent
    inputs:
      icp: "{{inputs.icp}}"
  - id: enrich
    handler: DataEnrichmentAgent
    inputs:
      leads: "{{prospect.output.leads}}"
  - id: score
    handler: ScoringAgent
    inputs:
      enriched_leads: "{{enrich.output.enriched_leads}}"
`), 0o644))
	out := filepath.Join(dir, "results.json")

	code := runRun(t.Context(), []string{"-graph", graph, "-out", out})
	assert.Equal(t, exitOK, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, true, got["success"])
	assert.Len(t, got["history"], 3)
}

func TestFollowProgress(t *testing.T) {
	hub := streaming.NewMemoryHub()
	var buf bytes.Buffer

	stop := followProgress(context.Background(), hub, &buf)
	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{RunID: "r", StepID: "prospect", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{RunID: "r", StepID: "prospect", EventType: schema.EventStepSucceeded}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		RunID: "r", StepID: "enrich", EventType: schema.EventStepFailed,
		Payload: json.RawMessage(`{"cause":"TIMEOUT_ERROR"}`),
	}))
	stop()

	assert.Equal(t, "  · prospect succeeded\n  · enrich failed (TIMEOUT_ERROR)\n", buf.String())
}
