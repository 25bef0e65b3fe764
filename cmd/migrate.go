package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/config"
	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/logging"
	pgstore "github.com/JakeFAU/bulk-crawl-orchestrator/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.BackendPostgres {
				return fmt.Errorf("migrate requires database.driver=%s, got %q", config.BackendPostgres, cfg.Database.Driver)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			store, err := pgstore.New(cmd.Context(), pgstore.Config{
				DSN:             cfg.Database.DSN,
				MaxConns:        cfg.Database.MaxConns,
				MinConns:        cfg.Database.MinConns,
				MaxConnLifetime: cfg.Database.MaxConnLifetime,
			}, logger.Named("postgres"))
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
