// Package reaper periodically surfaces running jobs that have outlived the
// stale threshold. It never changes job state; operators requeue by hand.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/metrics"
)

// Scanner lists stale running jobs.
type Scanner interface {
	ReapStale(ctx context.Context, threshold time.Duration) ([]int64, error)
}

// Config schedules the scan.
type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 5m".
	Schedule  string
	Threshold time.Duration
	// ScanTimeout bounds one scan (default 1m).
	ScanTimeout time.Duration
}

// Reaper runs Scan on a cron schedule.
type Reaper struct {
	scanner Scanner
	cfg     Config
	cron    *cron.Cron
	logger  *zap.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and builds a Reaper.
func New(scanner Scanner, cfg Config, logger *zap.Logger) (*Reaper, error) {
	if scanner == nil {
		return nil, errors.New("scanner is required")
	}
	if cfg.Threshold <= 0 {
		return nil, errors.New("threshold must be > 0")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reaper")
	cl := cronLogger{logger: logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Reaper{scanner: scanner, cfg: cfg, cron: c, logger: logger}, nil
}

// Scan lists stale jobs once and publishes the count.
func (r *Reaper) Scan(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	defer cancel()
	ids, err := r.scanner.ReapStale(ctx, r.cfg.Threshold)
	if err != nil {
		r.logger.Error("stale scan failed", zap.Error(err))
		return nil, err
	}
	metrics.SetStaleJobs(len(ids))
	if len(ids) > 0 {
		r.logger.Warn("stale jobs found",
			zap.Int("count", len(ids)),
			zap.Int64s("job_ids", ids),
			zap.Duration("threshold", r.cfg.Threshold),
		)
	} else {
		r.logger.Debug("no stale jobs", zap.Duration("threshold", r.cfg.Threshold))
	}
	return ids, nil
}

// Run schedules Scan and blocks until ctx is canceled, then waits for an
// in-flight scan to finish.
func (r *Reaper) Run(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		_, _ = r.Scan(ctx)
	}); err != nil {
		return fmt.Errorf("schedule stale scan: %w", err)
	}
	r.logger.Info("reaper started", zap.String("schedule", r.cfg.Schedule), zap.Duration("threshold", r.cfg.Threshold))
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
