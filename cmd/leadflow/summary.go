package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/pkg/schema"
)

// followProgress prints a line to w for every step that finishes until the
// returned stop function is called. stop flushes pending lines.
func followProgress(ctx context.Context, hub streaming.EventHub, w io.Writer) (stop func()) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventStepSucceeded, schema.EventStepFailed},
	})
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(w, progressLine(ev))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func progressLine(ev streaming.StreamEvent) string {
	if ev.EventType == schema.EventStepSucceeded {
		return fmt.Sprintf("  · %s succeeded", ev.StepID)
	}
	var p store.StepPayload
	_ = json.Unmarshal(ev.Payload, &p)
	if p.Cause == "" {
		return fmt.Sprintf("  · %s failed", ev.StepID)
	}
	return fmt.Sprintf("  · %s failed (%s)", ev.StepID, p.Cause)
}

// printSummary writes one line per step in execution order, then the
// recorded errors.
func printSummary(w io.Writer, report *schema.ExecutionReport, order []string) {
	fmt.Fprintf(w, "Workflow: %s\n", report.WorkflowName)
	fmt.Fprintf(w, "Run:      %s\n", report.RunID)
	fmt.Fprintf(w, "Status:   %s\n", report.Status)
	fmt.Fprintf(w, "Success:  %t\n", report.Success)
	fmt.Fprintf(w, "Duration: %s\n\n", report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))

	for _, id := range order {
		step := report.Step(id)
		if step == nil {
			continue
		}
		mark := "✓"
		if step.Status != schema.StepStatusSuccess {
			mark = "✗"
		}
		line := fmt.Sprintf("  %s %-24s %s", mark, id, step.Status)
		if step.Cause != "" {
			line += "  (" + step.Cause + ")"
		}
		fmt.Fprintln(w, line)
	}

	if len(report.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  - %s [%s]: %s\n", e.StepID, e.Cause, e.Message)
		}
	}
}

// results is the JSON results file: the report plus the run's reasoning.
type results struct {
	*schema.ExecutionReport
	History []agent.ReasoningRecord `json:"history"`
}

func writeResults(path string, report *schema.ExecutionReport, history []agent.ReasoningRecord) error {
	if history == nil {
		history = []agent.ReasoningRecord{}
	}
	data, err := json.MarshalIndent(results{ExecutionReport: report, History: history}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results %s: %w", path, err)
	}
	return nil
}
