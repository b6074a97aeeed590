package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", Handler(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStep(ctx, "scoring", "ScoringAgent")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "scoring", StepID(ctx))
	assert.Equal(t, "ScoringAgent", Handler(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithStep(WithRunID(context.Background(), "run-abc"), "enrich", "DataEnrichmentAgent")
	LogWith(ctx, logger).Info("step started")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-abc")
	assert.Contains(t, out, "step_id=enrich")
	assert.Contains(t, out, "handler=DataEnrichmentAgent")
}

func TestLogWith_OmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithRunID(context.Background(), "run-only"), logger).Info("partial")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-only")
	assert.NotContains(t, out, "step_id")
	assert.NotContains(t, out, "handler=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "executor")

	ctx := WithStep(WithRunID(context.Background(), "run-9"), "send", "OutreachExecutorAgent")
	logger.InfoContext(ctx, "sent", "count", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run-9", rec["run_id"])
	assert.Equal(t, "send", rec["step_id"])
	assert.Equal(t, "OutreachExecutorAgent", rec["handler"])
	assert.Equal(t, "executor", rec["component"])
	assert.Equal(t, float64(3), rec["count"])
}

func TestLogWith_CorrelationLoggerUnchanged(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")

	ctx := WithRunID(context.Background(), "run-7")
	LogWith(ctx, logger).InfoContext(ctx, "once")

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"run_id"`)))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewAndDiscard(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, OrDiscard(nil))
	assert.Same(t, l, OrDiscard(l))
}
