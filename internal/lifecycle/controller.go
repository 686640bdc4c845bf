// Package lifecycle advances scrape jobs from running to a terminal state,
// ingests completion payloads, and exposes the operator actions around
// stuck or failed jobs (requeue, stale scan).
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

const (
	kindCompletion = "completion"
	kindFailure    = "failure"

	defaultFailureMessage = "worker reported failure without a message"
)

// Store is the persistence surface the controller needs.
type Store interface {
	store.Transactor
	store.JobRepository
}

// Options carries optional collaborators.
type Options struct {
	// Archive receives the raw completion payload before ingestion.
	Archive fleet.BlobStore
	// Hasher keys archived payloads; required when Archive is set.
	Hasher fleet.Hasher
	// ArchivePrefix is prepended to archive object paths.
	ArchivePrefix string
}

// Controller implements the job lifecycle operations.
type Controller struct {
	store    Store
	clock    fleet.Clock
	notifier fleet.Notifier
	opts     Options
	logger   *zap.Logger
}

// NewController wires a Controller. A nil notifier discards outcomes.
func NewController(s Store, clock fleet.Clock, notifier fleet.Notifier, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = fleet.NotifierFunc(func(context.Context, fleet.Outcome) {})
	}
	if opts.Hasher == nil {
		opts.Archive = nil
	}
	return &Controller{
		store:    s,
		clock:    clock,
		notifier: notifier,
		opts:     opts,
		logger:   logger.Named("lifecycle"),
	}
}

// Completion is a worker's successful result.
type Completion struct {
	WorkerID   uuid.UUID              `json:"worker_id"`
	Businesses []fleet.BusinessRecord `json:"businesses"`
	// Logs are merged into the completion log entry (e.g. extraction_method).
	Logs map[string]any `json:"logs,omitempty"`
}

// Failure is a worker's failure report.
type Failure struct {
	WorkerID uuid.UUID `json:"worker_id"`
	Message  string    `json:"error_message"`
}

// Result describes a finalized job.
type Result struct {
	Job     fleet.ScrapeJob `json:"job"`
	Dropped []*RecordError  `json:"dropped,omitempty"`
}

// CreateJob inserts a pending job for the area.
func (c *Controller) CreateJob(ctx context.Context, areaID int64, keyword string) (fleet.ScrapeJob, error) {
	keyword = fleet.NormalizeKeyword(keyword)
	if keyword == "" {
		return fleet.ScrapeJob{}, fmt.Errorf("%w: keyword is required", fleet.ErrValidation)
	}
	job, err := c.store.CreateJob(ctx, store.NewJob{AreaID: areaID, Keyword: keyword, CreatedAt: c.clock.Now()})
	if err != nil {
		return fleet.ScrapeJob{}, fmt.Errorf("create job: %w", err)
	}
	c.logger.Info("job created", zap.Int64("job_id", job.ID), zap.Int64("area_id", areaID), zap.String("keyword", keyword))
	return job, nil
}

// ReportCompletion finalizes a running job as completed. Invalid business
// records are dropped individually; the rest are persisted and counted.
// A job that is already terminal yields fleet.ErrAlreadyFinalized and is
// left untouched.
func (c *Controller) ReportCompletion(ctx context.Context, jobID int64, report Completion) (Result, error) {
	current, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job %d: %w", jobID, err)
	}
	if err := c.checkOwnership(current, report.WorkerID, kindCompletion); err != nil {
		return c.reportError(kindCompletion, jobID, report.WorkerID, current, err)
	}

	businesses, dropped := c.clean(jobID, report.Businesses)
	archiveURI := c.archive(ctx, jobID, report)

	var finished fleet.ScrapeJob
	err = c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if err := c.checkOwnership(job, report.WorkerID, kindCompletion); err != nil {
			finished = job
			return err
		}

		now := c.clock.Now()
		for i := range businesses {
			businesses[i].JobID = job.ID
			businesses[i].AreaID = job.AreaID
			businesses[i].CreatedAt = now
		}
		stored, err := tx.InsertBusinesses(ctx, businesses)
		if err != nil {
			return fmt.Errorf("insert businesses: %w", err)
		}

		fields := make(map[string]any, len(report.Logs)+3)
		for k, v := range report.Logs {
			fields[k] = v
		}
		fields["businesses_found"] = stored
		fields["dropped"] = len(dropped)
		if archiveURI != "" {
			fields["archive_uri"] = archiveURI
		}
		finish := store.Finish{
			JobID:                 job.ID,
			WorkerID:              report.WorkerID,
			Status:                fleet.JobCompleted,
			CompletedAt:           now,
			ProcessingTimeSeconds: processingSeconds(job.StartedAt, now),
			BusinessesFound:       stored,
			Log:                   fleet.LogEntry{At: now, Event: fleet.LogCompleted, WorkerID: &report.WorkerID, Fields: fields},
		}
		if err := c.finish(ctx, tx, finish); err != nil {
			return err
		}
		if err := tx.TouchArea(ctx, job.AreaID, now); err != nil {
			return fmt.Errorf("touch area %d: %w", job.AreaID, err)
		}
		finished = applyFinish(job, finish)
		return nil
	})
	if err != nil {
		return c.reportError(kindCompletion, jobID, report.WorkerID, finished, err)
	}

	metrics.ObserveReport(kindCompletion, "ok")
	metrics.ObserveBusinesses(finished.BusinessesFound, dropReasons(dropped))
	c.logger.Info("job completed",
		zap.Int64("job_id", finished.ID),
		zap.Int64("area_id", finished.AreaID),
		zap.Stringer("worker_id", report.WorkerID),
		zap.Int("businesses_found", finished.BusinessesFound),
		zap.Int("dropped", len(dropped)),
	)
	c.notify(ctx, finished, report.WorkerID)
	return Result{Job: finished, Dropped: dropped}, nil
}

// ReportFailure finalizes a running job as failed. The job is not retried;
// use Requeue to put it back in the backlog.
func (c *Controller) ReportFailure(ctx context.Context, jobID int64, report Failure) (Result, error) {
	message := strings.TrimSpace(report.Message)
	if message == "" {
		message = defaultFailureMessage
	}

	var finished fleet.ScrapeJob
	err := c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if err := c.checkOwnership(job, report.WorkerID, kindFailure); err != nil {
			finished = job
			return err
		}
		now := c.clock.Now()
		finish := store.Finish{
			JobID:                 job.ID,
			WorkerID:              report.WorkerID,
			Status:                fleet.JobFailed,
			CompletedAt:           now,
			ProcessingTimeSeconds: processingSeconds(job.StartedAt, now),
			ErrorMessage:          &message,
			Log:                   fleet.LogEntry{At: now, Event: fleet.LogFailed, WorkerID: &report.WorkerID, Message: message},
		}
		if err := c.finish(ctx, tx, finish); err != nil {
			return err
		}
		finished = applyFinish(job, finish)
		return nil
	})
	if err != nil {
		return c.reportError(kindFailure, jobID, report.WorkerID, finished, err)
	}

	metrics.ObserveReport(kindFailure, "ok")
	c.logger.Info("job failed",
		zap.Int64("job_id", finished.ID),
		zap.Int64("area_id", finished.AreaID),
		zap.Stringer("worker_id", report.WorkerID),
		zap.String("error_message", message),
	)
	c.notify(ctx, finished, report.WorkerID)
	return Result{Job: finished}, nil
}

// Requeue is the operator action that returns a running or failed job to
// the backlog, clearing its assignment and timing.
func (c *Controller) Requeue(ctx context.Context, jobID int64, reason string) (fleet.ScrapeJob, error) {
	var requeued fleet.ScrapeJob
	err := c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		switch job.Status {
		case fleet.JobRunning, fleet.JobFailed:
		case fleet.JobPending:
			return fmt.Errorf("%w: job %d is already pending", fleet.ErrInvalidTransition, jobID)
		case fleet.JobCompleted:
			return fmt.Errorf("%w: job %d is completed", fleet.ErrInvalidTransition, jobID)
		default:
			return fmt.Errorf("%w: job %d has unknown status %q", fleet.ErrInvalidTransition, jobID, job.Status)
		}

		entry := fleet.LogEntry{
			At:       c.clock.Now(),
			Event:    fleet.LogRequeued,
			WorkerID: job.AssignedTo,
			Message:  strings.TrimSpace(reason),
			Fields:   map[string]any{"from": string(job.Status)},
		}
		ok, err := tx.ResetJob(ctx, jobID, job.Status, entry)
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: job %d changed state during requeue", fleet.ErrInvalidTransition, jobID)
		}
		requeued = job
		requeued.Status = fleet.JobPending
		requeued.AssignedTo = nil
		requeued.StartedAt = nil
		requeued.CompletedAt = nil
		requeued.ProcessingTimeSeconds = nil
		requeued.ErrorMessage = nil
		requeued.BusinessesFound = 0
		requeued.Logs = append(requeued.Logs, entry)
		return nil
	})
	if err != nil {
		return fleet.ScrapeJob{}, err
	}
	c.logger.Info("job requeued", zap.Int64("job_id", jobID), zap.String("reason", reason))
	return requeued, nil
}

// ReapStale lists running jobs whose started_at is older than threshold.
// It only surfaces candidates; nothing is requeued.
func (c *Controller) ReapStale(ctx context.Context, threshold time.Duration) ([]int64, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: stale threshold must be > 0", fleet.ErrValidation)
	}
	ids, err := c.store.ListStaleJobs(ctx, c.clock.Now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return ids, nil
}

func (c *Controller) checkOwnership(job fleet.ScrapeJob, workerID uuid.UUID, kind string) error {
	switch job.Status {
	case fleet.JobCompleted, fleet.JobFailed:
		return fmt.Errorf("%w: job %d is %s", fleet.ErrAlreadyFinalized, job.ID, job.Status)
	case fleet.JobRunning:
		if job.OwnedBy(workerID) {
			return nil
		}
	case fleet.JobPending:
	default:
		return fmt.Errorf("%w: job %d has unknown status %q", fleet.ErrInvalidTransition, job.ID, job.Status)
	}
	c.logger.Warn("report from non-owner rejected",
		zap.String("kind", kind),
		zap.Int64("job_id", job.ID),
		zap.Stringer("worker_id", workerID),
		zap.String("status", string(job.Status)),
	)
	return fmt.Errorf("%w: job %d, worker %s", fleet.ErrNotOwner, job.ID, workerID)
}

func (c *Controller) finish(ctx context.Context, tx store.Tx, finish store.Finish) error {
	ok, err := tx.FinishJob(ctx, finish)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: job %d is no longer running on worker %s", fleet.ErrNotOwner, finish.JobID, finish.WorkerID)
	}
	return nil
}

func (c *Controller) reportError(kind string, jobID int64, workerID uuid.UUID, job fleet.ScrapeJob, err error) (Result, error) {
	switch {
	case errors.Is(err, fleet.ErrAlreadyFinalized):
		metrics.ObserveReport(kind, "already_finalized")
		c.logger.Info("duplicate report ignored", zap.String("kind", kind), zap.Int64("job_id", jobID), zap.Stringer("worker_id", workerID))
		return Result{Job: job}, err
	case errors.Is(err, fleet.ErrNotOwner):
		metrics.ObserveReport(kind, "not_owner")
		return Result{}, err
	default:
		metrics.ObserveReport(kind, "error")
		c.logger.Error("report failed", zap.String("kind", kind), zap.Int64("job_id", jobID), zap.Error(err))
		return Result{}, err
	}
}

func (c *Controller) clean(jobID int64, records []fleet.BusinessRecord) ([]fleet.Business, []*RecordError) {
	businesses := make([]fleet.Business, 0, len(records))
	var dropped []*RecordError
	for i, rec := range records {
		business, warnings, err := CleanRecord(i, rec)
		var recErr *RecordError
		if errors.As(err, &recErr) {
			c.logger.Warn("business record dropped",
				zap.Int64("job_id", jobID),
				zap.Int("index", i),
				zap.String("reason", recErr.Reason),
				zap.String("detail", recErr.Detail),
			)
			dropped = append(dropped, recErr)
			continue
		}
		if err != nil {
			c.logger.Warn("business record dropped", zap.Int64("job_id", jobID), zap.Int("index", i), zap.Error(err))
			dropped = append(dropped, &RecordError{Index: i, Name: rec.Name, Reason: "encode", Detail: err.Error()})
			continue
		}
		for _, w := range warnings {
			c.logger.Warn("business record adjusted", zap.Int64("job_id", jobID), zap.Int("index", i), zap.String("detail", w))
		}
		businesses = append(businesses, business)
	}
	return businesses, dropped
}

// archive stores the raw payload; failures are logged, never returned.
func (c *Controller) archive(ctx context.Context, jobID int64, report Completion) string {
	if c.opts.Archive == nil {
		return ""
	}
	payload, err := json.Marshal(struct {
		JobID      int64             `json:"job_id"`
		WorkerID   uuid.UUID         `json:"worker_id"`
		Businesses []json.RawMessage `json:"businesses"`
		Logs       map[string]any    `json:"logs,omitempty"`
	}{JobID: jobID, WorkerID: report.WorkerID, Businesses: rawRecords(report.Businesses), Logs: report.Logs})
	if err != nil {
		c.logger.Warn("archive encode failed", zap.Int64("job_id", jobID), zap.Error(err))
		return ""
	}
	digest, err := c.opts.Hasher.Hash(payload)
	if err != nil {
		c.logger.Warn("archive hash failed", zap.Int64("job_id", jobID), zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("jobs/%d/%s.json", jobID, digest)
	if prefix := strings.Trim(c.opts.ArchivePrefix, "/"); prefix != "" {
		path = prefix + "/" + path
	}
	uri, err := c.opts.Archive.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn("archive upload failed", zap.Int64("job_id", jobID), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (c *Controller) notify(ctx context.Context, job fleet.ScrapeJob, workerID uuid.UUID) {
	outcome := fleet.Outcome{
		JobID:           job.ID,
		AreaID:          job.AreaID,
		WorkerID:        workerID,
		Keyword:         job.Keyword,
		Status:          job.Status,
		BusinessesFound: job.BusinessesFound,
	}
	if job.ErrorMessage != nil {
		outcome.ErrorMessage = *job.ErrorMessage
	}
	if job.ProcessingTimeSeconds != nil {
		outcome.ProcessingTimeSeconds = *job.ProcessingTimeSeconds
	}
	if job.CompletedAt != nil {
		outcome.CompletedAt = *job.CompletedAt
	}
	c.notifier.Notify(context.WithoutCancel(ctx), outcome)
}

func applyFinish(job fleet.ScrapeJob, finish store.Finish) fleet.ScrapeJob {
	job.Status = finish.Status
	job.AssignedTo = nil
	completedAt := finish.CompletedAt
	job.CompletedAt = &completedAt
	seconds := finish.ProcessingTimeSeconds
	job.ProcessingTimeSeconds = &seconds
	job.BusinessesFound = finish.BusinessesFound
	job.ErrorMessage = finish.ErrorMessage
	job.Logs = append(job.Logs, finish.Log)
	return job
}

func processingSeconds(startedAt *time.Time, completedAt time.Time) int64 {
	if startedAt == nil {
		return 0
	}
	d := completedAt.Sub(*startedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func rawRecords(records []fleet.BusinessRecord) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		if len(rec.Raw) > 0 {
			out = append(out, rec.Raw)
			continue
		}
		if encoded, err := json.Marshal(rec); err == nil {
			out = append(out, encoded)
		}
	}
	return out
}

func dropReasons(dropped []*RecordError) map[string]int {
	reasons := make(map[string]int, len(dropped))
	for _, d := range dropped {
		reasons[d.Reason]++
	}
	return reasons
}
