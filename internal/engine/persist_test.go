package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

func TestRecordRun(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), failingHandler("B"), echoHandler("C")), ExecutorConfig{})
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, RecordRun(context.Background(), s, e, report))

	saved, err := s.GetReport(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.False(t, saved.Success)
	assert.Equal(t, schema.StepStatusFailed, saved.Data["B"].Status)

	// A and B ran their handlers; C was skipped without reasoning.
	records, err := s.ListReasoning(context.Background(), store.ReasoningFilter{RunID: report.RunID})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Empty(t, e.ReasoningHistory(), "history is drained")

	// Saving the same run twice is a conflict.
	err = RecordRun(context.Background(), s, e, report)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestRecordRun_KeepsOtherRunsHistory(t *testing.T) {
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	e := newExecutor(t, chainDoc, newRegistry(t, echoHandler("A"), echoHandler("B"), echoHandler("C")), ExecutorConfig{})
	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, RecordRun(context.Background(), s, e, first))

	records, err := s.ListReasoning(context.Background(), store.ReasoningFilter{RunID: first.RunID})
	require.NoError(t, err)
	assert.Len(t, records, 3)

	left := e.ReasoningHistory()
	require.Len(t, left, 3, "the second run's records stay until it is recorded")
	for _, rec := range left {
		assert.Equal(t, second.RunID, rec.RunID)
	}

	require.NoError(t, RecordRun(context.Background(), s, e, second))
	assert.Empty(t, e.ReasoningHistory())
}

func TestRecordRun_NilReport(t *testing.T) {
	assert.NoError(t, RecordRun(context.Background(), nil, nil, nil))
}
