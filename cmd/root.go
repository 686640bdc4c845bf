package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/config"
	"github.com/JakeFAU/scrapefleet/internal/logging"
)

var cfgFile string

type cfgKeyType string

const cfgKey cfgKeyType = "config"

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapefleet",
		Short: "Coordinates a fleet of business-listing scrapers.",
		Long: `scrapefleet hands out area/keyword scrape jobs to registered workers,
collects their results, and notifies downstream consumers when jobs finish.
Run "serve" for the coordination server and "agent" on each scraping host.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand so each one sees the same validated
		// configuration.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SCRAPEFLEET_* overrides apply either way)")

	cmd.AddCommand(newServeCmd(), newAgentCmd(), newMigrateCmd(), newReapCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// commandLogger builds the logger for commands that do not go through
// server.Build.
func commandLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
