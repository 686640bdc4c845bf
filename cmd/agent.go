package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/agent"
	"github.com/JakeFAU/scrapefleet/internal/config"
	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/scraper/headless"
)

// newScraper is a variable so tests can run the agent without Chrome.
var newScraper = func(cfg config.HeadlessConfig) (fleet.Scraper, func(), error) {
	s, err := headless.New(headless.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout,
		SearchURL:         cfg.SearchURL,
		ScrollRounds:      cfg.ScrollRounds,
		ScrollPause:       cfg.ScrollPause,
		Headless:          cfg.Enabled,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Runs a scraping worker",
		Long: `Announces the configured worker as active, then polls the coordination
server for jobs, scrapes each one in a headless browser and reports the
businesses found. On SIGINT or SIGTERM running jobs finish, the worker is
announced inactive and the process exits.`,
		RunE: runAgentCommand,
	}
}

func runAgentCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	workerID, err := uuid.Parse(cfg.Agent.WorkerID)
	if err != nil {
		return fmt.Errorf("agent.worker_id: %w", err)
	}

	logger, err := commandLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	scraper, closeScraper, err := newScraper(cfg.Agent.Headless)
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	defer closeScraper()

	client, err := agent.NewClient(agent.ClientConfig{
		BaseURL: cfg.Agent.ServerURL,
		APIKey:  cfg.Agent.APIKey,
		Timeout: cfg.Agent.RequestTimeout,
	}, nil)
	if err != nil {
		return err
	}

	worker, err := agent.New(agent.Config{
		WorkerID:          workerID,
		Concurrency:       cfg.Agent.Concurrency,
		MaxResults:        cfg.Agent.MaxResults,
		PollInterval:      cfg.Agent.PollInterval,
		MaxBackoff:        cfg.Agent.MaxBackoff,
		PollsPerSecond:    cfg.Agent.PollsPerSecond,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	}, client, scraper, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		zap.String("server_url", cfg.Agent.ServerURL),
		zap.Stringer("worker_id", workerID),
		zap.Int("concurrency", cfg.Agent.Concurrency),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run agent: %w", err)
	}
	return nil
}
