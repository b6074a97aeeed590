package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

// mockRunner records every run and returns a canned outcome.
type mockRunner struct {
	mu      sync.Mutex
	calls   []map[string]any
	success bool
	err     error
	block   chan struct{}
	count   int64
}

func (m *mockRunner) RunWithInputs(ctx context.Context, inputs map[string]any) (*schema.ExecutionReport, error) {
	n := atomic.AddInt64(&m.count, 1)
	m.mu.Lock()
	m.calls = append(m.calls, inputs)
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
	status := schema.RunStatusCompleted
	if m.err != nil {
		status = schema.RunStatusAborted
	}
	return &schema.ExecutionReport{
		RunID:   "run-" + string(rune('0'+n)),
		Status:  status,
		Success: m.success && m.err == nil,
	}, m.err
}

func (m *mockRunner) Calls() int { return int(atomic.LoadInt64(&m.count)) }

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestScheduler(r Runner, sink ReportSink) *Scheduler {
	return New(r, Config{
		Interval:      time.Hour,
		MaxConcurrent: 2,
		Sink:          sink,
		Now:           func() time.Time { return fixedNow },
	})
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(&mockRunner{}, nil)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", fixedNow.Add(time.Minute)},
		{"weekday 9am", "0 9 * * 1-5", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)},
		{"hourly descriptor", "@hourly", fixedNow.Add(time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CalculateNextRun(tt.expr, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.CalculateNextRun("not a cron", fixedNow)
	assert.Error(t, err)
}

func TestAddJob(t *testing.T) {
	s := newTestScheduler(&mockRunner{}, nil)

	job, err := s.AddJob(Job{Name: "weekly", CronExpression: "0 9 * * 1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), *job.NextRunAt)

	_, err = s.AddJob(Job{ID: job.ID, CronExpression: "* * * * *"})
	assert.True(t, errors.Is(err, schema.ErrConflict))

	_, err = s.AddJob(Job{CronExpression: "61 * * * *"})
	assert.Equal(t, schema.ErrCodeGraphValidation, schema.CodeOf(err))

	assert.Len(t, s.Jobs(), 1)
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(&mockRunner{}, nil)
	job, err := s.AddJob(Job{ID: "j1", CronExpression: "* * * * *"})
	require.NoError(t, err)

	require.NoError(t, s.RemoveJob(job.ID))
	assert.Empty(t, s.Jobs())
	assert.True(t, errors.Is(s.RemoveJob(job.ID), schema.ErrNotFound))
}

func TestTick_RunsOnlyDueJobs(t *testing.T) {
	runner := &mockRunner{success: true}
	var sunk int64
	s := newTestScheduler(runner, func(_ context.Context, job Job, report *schema.ExecutionReport, err error) {
		atomic.AddInt64(&sunk, 1)
	})

	_, err := s.AddJob(Job{ID: "due", CronExpression: "* * * * *", Inputs: map[string]any{"campaign": "q2"}})
	require.NoError(t, err)
	_, err = s.AddJob(Job{ID: "later", CronExpression: "0 9 * * 1"})
	require.NoError(t, err)

	// Move "due" into the past.
	past := fixedNow.Add(-time.Minute)
	s.jobsMu.Lock()
	s.jobs["due"].NextRunAt = &past
	s.jobsMu.Unlock()

	assert.Equal(t, 1, s.tick(context.Background()))
	s.pool.Wait()

	assert.Equal(t, 1, runner.Calls())
	assert.Equal(t, int64(1), atomic.LoadInt64(&sunk))
	assert.Equal(t, map[string]any{"campaign": "q2"}, runner.calls[0])

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	due := jobs[0]
	assert.Equal(t, "due", due.ID)
	assert.Equal(t, StatusSuccess, due.LastRunStatus)
	assert.Equal(t, "run-1", due.LastRunID)
	require.NotNil(t, due.LastRunAt)
	assert.Equal(t, fixedNow, *due.LastRunAt)
	assert.Equal(t, fixedNow.Add(time.Minute), *due.NextRunAt)
}

func TestTick_DeduplicatesInflightJob(t *testing.T) {
	runner := &mockRunner{success: true, block: make(chan struct{})}
	s := newTestScheduler(runner, nil)

	_, err := s.AddJob(Job{ID: "slow", CronExpression: "* * * * *"})
	require.NoError(t, err)
	past := fixedNow.Add(-time.Minute)
	s.jobsMu.Lock()
	s.jobs["slow"].NextRunAt = &past
	s.jobsMu.Unlock()

	assert.Equal(t, 1, s.tick(context.Background()))
	assert.Equal(t, 0, s.tick(context.Background()), "in-flight job must not be resubmitted")

	close(runner.block)
	s.pool.Wait()
	assert.Equal(t, 1, runner.Calls())
}

func TestRunNow_RecordsStatus(t *testing.T) {
	tests := []struct {
		name    string
		runner  *mockRunner
		status  string
		wantErr bool
	}{
		{"success", &mockRunner{success: true}, StatusSuccess, false},
		{"failed steps", &mockRunner{success: false}, StatusFailed, false},
		{"aborted", &mockRunner{err: errors.New("invariant")}, StatusAborted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotErr error
			s := newTestScheduler(tt.runner, func(_ context.Context, _ Job, report *schema.ExecutionReport, err error) {
				gotErr = err
				assert.NotNil(t, report)
			})
			_, err := s.AddJob(Job{ID: "j", CronExpression: "0 9 * * 1"})
			require.NoError(t, err)

			report, err := s.RunNow(context.Background(), "j")
			require.NotNil(t, report)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Error(t, gotErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.status, s.Jobs()[0].LastRunStatus)
		})
	}
}

func TestRunNow_UnknownJob(t *testing.T) {
	s := newTestScheduler(&mockRunner{}, nil)
	_, err := s.RunNow(context.Background(), "missing")
	assert.True(t, errors.Is(err, schema.ErrNotFound))
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{success: true}
	s := New(runner, Config{Interval: 10 * time.Millisecond, Now: func() time.Time { return fixedNow }})

	_, err := s.AddJob(Job{ID: "j", CronExpression: "* * * * *"})
	require.NoError(t, err)
	past := fixedNow.Add(-time.Minute)
	s.jobsMu.Lock()
	s.jobs["j"].NextRunAt = &past
	s.jobsMu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	assert.Eventually(t, func() bool { return runner.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	// The clock is frozen, so after the first run the job is not due again.
	assert.Equal(t, 1, runner.Calls())
	assert.Equal(t, int64(1), s.Metrics().Completed)
}
