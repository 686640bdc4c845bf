package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapefleet/internal/config"
	"github.com/JakeFAU/scrapefleet/internal/server"
)

// Runner is what serve drives; server.App satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// buildServer is a variable so tests can avoid binding a port.
var buildServer = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the coordination server",
		Long: `Starts the HTTP API that workers poll for jobs, together with the
stale-job reaper and the completion notifier. Stops gracefully on SIGINT or
SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildServer(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
