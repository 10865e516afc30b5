package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quizcoin/reward-service/internal/config"
	"github.com/quizcoin/reward-service/internal/metrics"
)

type reconcilerStub struct {
	pendingOlderThan time.Duration
	staleOlderThan   time.Duration
	limit            int
	err              error
	report           ReconcileReport
}

func (s *reconcilerStub) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	s.pendingOlderThan = olderThan
	s.limit = limit
	return s.report, s.err
}

func (s *reconcilerStub) RecoverStale(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	s.staleOlderThan = olderThan
	s.limit = limit
	return s.report, s.err
}

func testJobsConfig() config.Config {
	return config.Config{
		ReconcileSchedule:          "*/5 * * * *",
		StaleRecoverySchedule:      "*/10 * * * *",
		PendingRequeryAfterMinutes: 5,
		StaleRequestAfterMinutes:   15,
		ReconcileBatchSize:         50,
	}
}

func TestJobs_PassConfiguredThresholds(t *testing.T) {
	stub := &reconcilerStub{}
	jobs := NewJobs(stub, nil, discardLogger(), testJobsConfig())

	jobs.ReconcilePendingRewards()
	jobs.RecoverStaleRequests()

	if stub.pendingOlderThan != 5*time.Minute {
		t.Fatalf("expected 5m pending threshold, got %s", stub.pendingOlderThan)
	}
	if stub.staleOlderThan != 15*time.Minute {
		t.Fatalf("expected 15m stale threshold, got %s", stub.staleOlderThan)
	}
	if stub.limit != 50 {
		t.Fatalf("expected batch size 50, got %d", stub.limit)
	}
}

func TestJobs_RecordRunResults(t *testing.T) {
	m := metrics.New()
	stub := &reconcilerStub{err: errors.New("database unavailable")}
	jobs := NewJobs(stub, m, discardLogger(), testJobsConfig())

	jobs.ReconcilePendingRewards()
	stub.err = nil
	stub.report = ReconcileReport{Scanned: 3, Errors: 1}
	jobs.ReconcilePendingRewards()
	stub.report = ReconcileReport{Scanned: 3}
	jobs.RecoverStaleRequests()

	count, err := testutil.GatherAndCount(m.Registry(), "reward_service_reconcile_runs_total")
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 labelled run series, got %d", count)
	}
}

func TestScheduler_RegistersConfiguredJobs(t *testing.T) {
	jobs := NewJobs(&reconcilerStub{}, nil, discardLogger(), testJobsConfig())

	tests := []struct {
		name string
		cfg  func() config.Config
		want int
	}{
		{"both", testJobsConfig, 2},
		{"stale recovery disabled", func() config.Config {
			cfg := testJobsConfig()
			cfg.StaleRecoverySchedule = ""
			return cfg
		}, 1},
		{"invalid schedule", func() config.Config {
			cfg := testJobsConfig()
			cfg.ReconcileSchedule = "every five minutes"
			return cfg
		}, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scheduler := NewScheduler(jobs, discardLogger(), tc.cfg())
			scheduler.Start()
			defer scheduler.Stop()
			if got := scheduler.Entries(); got != tc.want {
				t.Fatalf("expected %d jobs, got %d", tc.want, got)
			}
		})
	}
}
