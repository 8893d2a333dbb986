package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scraper-fleet/internal/logging"
	"github.com/JakeFAU/scraper-fleet/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Long:  `Creates the workers, tasks, results, and products tables if they do not exist.`,
		RunE:  runMigrateCommand,
	}
}

func runMigrateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	return server.Migrate(cmd.Context(), cfg, logger)
}
