package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/lifecycle"
	"github.com/JakeFAU/scrapefleet/internal/server"
)

func newReapCmd() *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Lists running jobs that have gone stale",
		Long: `Prints the ids of running jobs whose started_at is older than the
threshold, one per line. Jobs are left untouched; requeue them through the API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if threshold <= 0 {
				threshold = cfg.Reaper.Threshold
			}
			logger, err := commandLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := server.OpenStore(cmd.Context(), cfg.DB, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			controller := lifecycle.NewController(st, system.New(), nil, lifecycle.Options{}, logger)
			ids, err := controller.ReapStale(cmd.Context(), threshold)
			if err != nil {
				return fmt.Errorf("list stale jobs: %w", err)
			}
			logger.Info("stale scan finished", zap.Int("count", len(ids)), zap.Duration("threshold", threshold))
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "age after which a running job is stale (default reaper.threshold)")
	return cmd
}
