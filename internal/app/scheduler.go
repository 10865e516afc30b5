/**
 * @description
 * Cron scheduler for the reconciliation jobs: requerying pending rewards and
 * recovering requests abandoned mid-flight.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizcoin/reward-service/internal/config"
	"github.com/quizcoin/reward-service/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Reconciler is the part of the Orchestrator the jobs drive.
type Reconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error)
	RecoverStale(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error)
}

// Jobs holds the scheduled job bodies.
type Jobs struct {
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     config.Config
	timeout    time.Duration
}

func NewJobs(reconciler Reconciler, m *metrics.Metrics, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		reconciler: reconciler,
		metrics:    m,
		logger:     logger.With("component", "jobs"),
		config:     cfg,
		timeout:    5 * time.Minute,
	}
}

// ReconcilePendingRewards requeries rewards that have been pending longer than the
// configured threshold.
func (j *Jobs) ReconcilePendingRewards() {
	j.run("reconcile_pending", func(ctx context.Context) (ReconcileReport, error) {
		return j.reconciler.ReconcilePending(ctx, j.config.PendingRequeryAfter(), j.config.ReconcileBatchSize)
	})
}

// RecoverStaleRequests settles requests stuck before the provider result was recorded.
func (j *Jobs) RecoverStaleRequests() {
	j.run("recover_stale", func(ctx context.Context) (ReconcileReport, error) {
		return j.reconciler.RecoverStale(ctx, j.config.StaleRequestAfter(), j.config.ReconcileBatchSize)
	})
}

func (j *Jobs) run(job string, fn func(ctx context.Context) (ReconcileReport, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.logger.Info("running job", "job", job)
	report, err := fn(ctx)
	result := "success"
	switch {
	case err != nil:
		result = "error"
		j.logger.Error("job failed", "job", job, "error", err, "report", report)
	case report.Errors > 0:
		result = "partial"
		j.logger.Warn("job finished with errors", "job", job, "report", report)
	default:
		j.logger.Info("job finished", "job", job, "report", report)
	}
	j.metrics.ObserveReconcileRun(job, result, time.Now())
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. An empty schedule
// disables its job.
func (s *Scheduler) Start() {
	s.add("pending reward reconciliation", s.config.ReconcileSchedule, s.jobs.ReconcilePendingRewards)
	s.add("stale request recovery", s.config.StaleRecoverySchedule, s.jobs.RecoverStaleRequests)
	s.cron.Start()
}

func (s *Scheduler) add(name, schedule string, fn func()) {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, fn); err != nil {
		s.logger.Error("failed to schedule "+name+" job", "error", err)
		return
	}
	s.logger.Info("scheduled "+name+" job", "schedule", schedule)
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
