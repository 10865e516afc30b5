package cli

import (
	"os"

	"github.com/quizcoin/reward-service/internal/config"
	"github.com/spf13/cobra"
)

var (
	port      string
	configDir string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_DIR")
	if envConfig == "" {
		envConfig = "."
	}

	cmd := &cobra.Command{
		Use:           "rewardsvc",
		Short:         "Coin ledger and reward fulfillment service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&configDir, "config-dir", envConfig, "directory containing the .env file")
	cmd.PersistentFlags().StringVar(&port, "port", "", "port to listen on (overrides SERVER_PORT)")
	cmd.AddCommand(NewServeCmd(&configDir, &port))
	cmd.AddCommand(NewMigrateCmd(&configDir))
	cmd.AddCommand(NewReconcileCmd(&configDir))
	return cmd
}

func loadConfig(dir, portFlag string) (config.Config, error) {
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return cfg, err
	}
	if portFlag != "" {
		cfg.ServerPort = portFlag
	}
	return cfg, nil
}
