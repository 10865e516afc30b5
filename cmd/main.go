/**
 * @description
 * Entry point for the reward-service binary. Loads a local .env when present and
 * hands off to the cobra CLI (serve, migrate, reconcile).
 */

package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/quizcoin/reward-service/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
