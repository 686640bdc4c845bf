package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
)

// NoBusinessesMessage is reported when a scrape finds nothing.
const NoBusinessesMessage = "No businesses found"

const (
	defaultPollInterval   = 5 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultMaxResults     = 20
	defaultReportAttempts = 4
	reportTimeout         = 30 * time.Second
)

// Server is the slice of the coordination API the agent drives.
type Server interface {
	Heartbeat(ctx context.Context, workerID uuid.UUID, status fleet.AdminStatus) error
	Assign(ctx context.Context, workerID uuid.UUID) (Assignment, bool, error)
	Complete(ctx context.Context, jobID int64, report Completion) error
	Fail(ctx context.Context, jobID int64, workerID uuid.UUID, message string) error
}

// Config controls the worker loops.
type Config struct {
	WorkerID uuid.UUID
	// Concurrency is the number of poll loops; each runs one job at a time.
	Concurrency int
	MaxResults  int
	// PollInterval is the first back-off after an empty poll; it doubles up
	// to MaxBackoff.
	PollInterval time.Duration
	MaxBackoff   time.Duration
	// PollsPerSecond caps assign calls across all loops.
	PollsPerSecond float64
	// HeartbeatInterval re-sends "active" periodically; zero disables it.
	HeartbeatInterval time.Duration
	// ReportAttempts bounds delivery of one completion or failure report.
	ReportAttempts int
}

// Agent runs the worker side of the protocol: poll, scrape, report.
type Agent struct {
	cfg     Config
	server  Server
	scraper fleet.Scraper
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New wires an Agent.
func New(cfg Config, server Server, scraper fleet.Scraper, logger *zap.Logger) (*Agent, error) {
	if cfg.WorkerID == uuid.Nil {
		return nil, errors.New("worker id is required")
	}
	if server == nil || scraper == nil {
		return nil, errors.New("server and scraper are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.PollInterval)
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = defaultReportAttempts
	}
	limit := rate.Inf
	if cfg.PollsPerSecond > 0 {
		limit = rate.Limit(cfg.PollsPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:     cfg,
		server:  server,
		scraper: scraper,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		logger:  logger.Named("agent").With(zap.Stringer("worker_id", cfg.WorkerID)),
		sleep:   sleepCtx,
	}, nil
}

// Run announces the worker as active, runs the poll loops until ctx is
// canceled, then announces it as inactive. A failed start-up heartbeat is
// returned; everything after that is logged.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.server.Heartbeat(ctx, a.cfg.WorkerID, fleet.AdminActive); err != nil {
		return fmt.Errorf("announce worker: %w", err)
	}
	a.logger.Info("agent started", zap.Int("concurrency", a.cfg.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			a.pollLoop(gctx, slot)
			return nil
		})
	}
	if a.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			a.heartbeatLoop(gctx)
			return nil
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if hbErr := a.server.Heartbeat(shutdownCtx, a.cfg.WorkerID, fleet.AdminInactive); hbErr != nil {
		a.logger.Warn("inactive heartbeat failed", zap.Error(hbErr))
	}
	a.logger.Info("agent stopped")
	return err
}

func (a *Agent) pollLoop(ctx context.Context, slot int) {
	logger := a.logger.With(zap.Int("slot", slot))
	backoff := newBackoff(a.cfg.PollInterval, a.cfg.MaxBackoff)
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		assignment, ok, err := a.server.Assign(ctx, a.cfg.WorkerID)
		if ctx.Err() != nil {
			return
		}
		if err != nil || !ok {
			delay := backoff.Next()
			if hint := max(retryAfter(err), assignment.RetryAfter); hint > delay {
				delay = hint
			}
			switch {
			case errors.Is(err, fleet.ErrWorkerNotEligible):
				logger.Debug("not eligible for work", zap.Duration("delay", delay), zap.Error(err))
			case err != nil:
				logger.Warn("assign failed", zap.Duration("delay", delay), zap.Error(err))
			default:
				logger.Debug("no pending jobs", zap.Duration("delay", delay))
			}
			metrics.ObservePollDelay(delay)
			if a.sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		backoff.Reset()
		a.process(ctx, logger, assignment)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.server.Heartbeat(ctx, a.cfg.WorkerID, fleet.AdminActive); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// process scrapes one job and reports the outcome. Reports are delivered on
// a context detached from ctx so a shutdown does not strand running jobs.
func (a *Agent) process(ctx context.Context, logger *zap.Logger, assignment Assignment) {
	metrics.IncAgentJobs()
	defer metrics.DecAgentJobs()

	job := assignment.Job
	req := fleet.ScrapeRequest{JobID: job.ID, Keyword: job.Keyword, MaxResults: a.cfg.MaxResults}
	if assignment.Area != nil {
		req.Area = *assignment.Area
	}
	logger = logger.With(zap.Int64("job_id", job.ID), zap.Int64("area_id", job.AreaID), zap.String("keyword", job.Keyword))
	logger.Info("scraping", zap.String("query", req.Query()))

	start := time.Now()
	records, scrapeErr := a.scraper.Scrape(ctx, req)
	elapsed := time.Since(start)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout*time.Duration(a.cfg.ReportAttempts))
	defer cancel()

	var message string
	switch {
	case scrapeErr != nil:
		message = scrapeErr.Error()
		if ctx.Err() != nil {
			message = "worker shut down during scrape: " + message
		}
	case len(records) == 0:
		message = NoBusinessesMessage
	}
	if message != "" {
		logger.Warn("scrape failed", zap.String("error_message", message), zap.Duration("elapsed", elapsed))
		err := a.deliver(reportCtx, func(ctx context.Context) error {
			return a.server.Fail(ctx, job.ID, a.cfg.WorkerID, message)
		})
		if err != nil {
			logger.Error("failure report not delivered", zap.Error(err))
		}
		return
	}

	report := Completion{
		WorkerID:   a.cfg.WorkerID,
		Businesses: records,
		Logs: map[string]any{
			"extraction_method": extractionMethod(records),
			"records_scraped":   len(records),
			"scrape_seconds":    elapsed.Seconds(),
			"query":             req.Query(),
		},
	}
	err := a.deliver(reportCtx, func(ctx context.Context) error {
		return a.server.Complete(ctx, job.ID, report)
	})
	if err != nil {
		logger.Error("completion report not delivered", zap.Error(err))
		return
	}
	logger.Info("job reported", zap.Int("businesses", len(records)), zap.Duration("elapsed", elapsed))
}

// deliver retries transient report failures. The server acknowledges
// duplicates of a finalized job, so a report that landed before its response
// was lost is safe to resend.
func (a *Agent) deliver(ctx context.Context, send func(context.Context) error) error {
	backoff := newBackoff(time.Second, 30*time.Second)
	var err error
	for attempt := 1; attempt <= a.cfg.ReportAttempts; attempt++ {
		if err = send(ctx); err == nil || !transient(err) {
			return err
		}
		if attempt == a.cfg.ReportAttempts {
			break
		}
		a.logger.Warn("report failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := a.sleep(ctx, backoff.Next()); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

func transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// extractionMethod reads the scraper's extraction_method tag from the first
// record that carries one.
func extractionMethod(records []fleet.BusinessRecord) string {
	for _, rec := range records {
		if len(rec.Raw) == 0 {
			continue
		}
		var tagged struct {
			ExtractionMethod string `json:"extraction_method"`
		}
		if json.Unmarshal(rec.Raw, &tagged) == nil && tagged.ExtractionMethod != "" {
			return tagged.ExtractionMethod
		}
	}
	return "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
