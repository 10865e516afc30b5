package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizcoin/reward-service/internal/app"
	"github.com/spf13/cobra"
)

// NewReconcileCmd runs a single reconciliation pass against the database and
// prints the reports. Useful from a Kubernetes CronJob or after an incident.
func NewReconcileCmd(configDir *string) *cobra.Command {
	var (
		pendingAfter time.Duration
		staleAfter   time.Duration
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Requery pending rewards and recover stale requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configDir, "")
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			if pendingAfter <= 0 {
				pendingAfter = cfg.PendingRequeryAfter()
			}
			if staleAfter <= 0 {
				staleAfter = cfg.StaleRequestAfter()
			}
			if limit <= 0 {
				limit = cfg.ReconcileBatchSize
			}

			svc, err := buildServices(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer svc.Close()

			pending, err := svc.orchestrator.ReconcilePending(cmd.Context(), pendingAfter, limit)
			if err != nil {
				return fmt.Errorf("reconcile pending: %w", err)
			}
			stale, err := svc.orchestrator.RecoverStale(cmd.Context(), staleAfter, limit)
			if err != nil {
				return fmt.Errorf("recover stale: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]app.ReconcileReport{"pending": pending, "stale": stale})
		},
	}
	cmd.Flags().DurationVar(&pendingAfter, "pending-after", 0, "requery pending requests older than this (default PENDING_REQUERY_AFTER_MINUTES)")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "recover in-flight requests older than this (default STALE_REQUEST_AFTER_MINUTES)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum requests per pass (default RECONCILE_BATCH_SIZE)")
	return cmd
}
