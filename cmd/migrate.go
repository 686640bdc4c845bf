package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/scrapefleet/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema",
		Long:  `Creates the scrapefleet tables and indexes in db.dsn. The schema is idempotent.`,
		RunE:  runMigrateCommand,
	}
}

func runMigrateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is required to migrate")
	}
	logger, err := commandLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := pgstore.New(cmd.Context(), pgstore.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        1,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("database schema applied")
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}
