package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/quizcoin/reward-service/internal/config"
	"github.com/quizcoin/reward-service/internal/store/migrations"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

// NewMigrateCmd applies database migrations, or rolls back the last group with --rollback.
func NewMigrateCmd(configDir *string) *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configDir, "")
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			if rollback {
				return rollbackMigrations(cmd.Context(), cfg, logger)
			}
			return runMigrations(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the last migration group")
	return cmd
}

func openMigrator(cfg config.Config) (*migrate.Migrator, *bun.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is not configured")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseURL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return migrate.NewMigrator(db, migrations.Migrations), db, nil
}

func runMigrations(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	migrator, db, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if group.IsZero() {
		logger.Info("database schema is up to date")
		return nil
	}
	logger.Info("migrations applied", "group", group.String())
	return nil
}

func rollbackMigrations(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	migrator, db, err := openMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	if group.IsZero() {
		logger.Info("nothing to roll back")
		return nil
	}
	logger.Info("rolled back", "group", group.String())
	return nil
}
