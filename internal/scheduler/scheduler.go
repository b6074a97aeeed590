// Package scheduler triggers recurring runs of one graph from cron
// expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs. Cron
// expressions have minute resolution.
const DefaultInterval = 60 * time.Second

// Last run statuses recorded on a Job.
const (
	StatusSuccess = "success" // report.Success
	StatusFailed  = "failed"  // completed with failed steps
	StatusAborted = "aborted"
)

// Runner executes one run of the scheduled graph. Satisfied by
// *engine.Executor.
type Runner interface {
	RunWithInputs(ctx context.Context, inputs map[string]any) (*schema.ExecutionReport, error)
}

// ReportSink receives every scheduled run's outcome, e.g. to persist it.
// report is non-nil even when err is.
type ReportSink func(ctx context.Context, job Job, report *schema.ExecutionReport, err error)

// Job is one recurring campaign run.
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"` // per-run input overrides
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Interval      time.Duration // default DefaultInterval
	MaxConcurrent int           // concurrent runs across jobs; default 1
	Sink          ReportSink
	Logger        *slog.Logger
	Now           func() time.Time
}

// Scheduler runs due jobs on a ticker. A job never overlaps with itself;
// different jobs run concurrently up to MaxConcurrent.
type Scheduler struct {
	runner   Runner
	sink     ReportSink
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	pool     *runPool

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler for runner.
func New(runner Runner, cfg Config) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		sink:     cfg.Sink,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: cfg.Interval,
		logger:   logging.OrDiscard(cfg.Logger),
		now:      cfg.Now,
		pool:     newRunPool(cfg.MaxConcurrent),
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// AddJob validates the cron expression and registers the job with its
// first run time. An empty ID is generated.
func (s *Scheduler) AddJob(job Job) (Job, error) {
	next, err := s.CalculateNextRun(job.CronExpression, s.now().UTC())
	if err != nil {
		return Job{}, schema.NewError(schema.ErrCodeGraphValidation, err.Error()).WithCause(err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.NextRunAt = &next

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return Job{}, schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.ID)
	}
	cp := job
	s.jobs[job.ID] = &cp
	return job, nil
}

// RemoveJob unschedules a job. A run already in flight finishes.
func (s *Scheduler) RemoveJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a snapshot of the scheduled jobs ordered by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Metrics reports the run pool counters.
func (s *Scheduler) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval), slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every due job to the run pool and returns how many were
// submitted.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now().UTC()
	submitted := 0
	for _, job := range s.Jobs() {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		// The snapshot may predate a run that finished meanwhile.
		if !s.due(job.ID, now) {
			s.releaseJob(job.ID)
			continue
		}
		job := job
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.releaseJob(job.ID)
			return s.runJob(ctx, job, now)
		})
		if err != nil {
			s.releaseJob(job.ID)
			s.logger.Error("failed to submit scheduled job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		submitted++
	}
	return submitted
}

func (s *Scheduler) due(id string, now time.Time) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	return ok && (j.NextRunAt == nil || !j.NextRunAt.After(now))
}

// RunNow runs a job immediately and synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*schema.ExecutionReport, error) {
	s.jobsMu.Lock()
	j, ok := s.jobs[id]
	var job Job
	if ok {
		job = *j
	}
	s.jobsMu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	if !s.tryAcquire(id) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", id)
	}
	defer s.releaseJob(id)

	report, err := s.execute(ctx, job, s.now().UTC())
	return report, err
}

// runJob executes a scheduled job and advances its schedule.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) error {
	_, err := s.execute(ctx, job, now)
	return err
}

func (s *Scheduler) execute(ctx context.Context, job Job, now time.Time) (*schema.ExecutionReport, error) {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("job", job.Name))
	log.Info("running scheduled job")

	report, err := s.runner.RunWithInputs(ctx, job.Inputs)
	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusAborted
		log.Error("scheduled run aborted", slog.String("error", err.Error()))
	case report != nil && !report.Success:
		status = StatusFailed
		log.Warn("scheduled run finished with failed steps", slog.String("run_id", report.RunID))
	default:
		log.Info("scheduled run finished", slog.String("run_id", report.RunID))
	}

	if s.sink != nil {
		s.sink(ctx, job, report, err)
	}

	runID := ""
	if report != nil {
		runID = report.RunID
	}
	if uerr := s.updateJob(job.ID, now, runID, status); uerr != nil {
		log.Error("failed to reschedule job", slog.String("error", uerr.Error()))
	}
	return report, err
}

func (s *Scheduler) updateJob(id string, now time.Time, runID, status string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil // removed while running
	}
	next, err := s.CalculateNextRun(j.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", id, err)
	}
	j.LastRunAt = &now
	j.NextRunAt = &next
	j.LastRunID = runID
	j.LastRunStatus = status
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
