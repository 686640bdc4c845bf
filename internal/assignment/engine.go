// Package assignment hands pending scrape jobs to eligible workers.
//
// TryAssign runs as one atomic unit: it locks the worker row, checks status
// and spare capacity, picks the oldest pending job the worker's keyword
// affinity allows, and claims it with a compare-and-swap on status. A lost
// race excludes that job and tries the next one.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

const defaultMaxClaimAttempts = 16

// Config tunes the engine.
type Config struct {
	// MaxClaimAttempts bounds how many lost compare-and-swaps a single call
	// tolerates before reporting no job.
	MaxClaimAttempts int
}

// Engine implements TryAssign.
type Engine struct {
	tx          store.Transactor
	clock       fleet.Clock
	logger      *zap.Logger
	maxAttempts int
}

// NewEngine wires an Engine.
func NewEngine(tx store.Transactor, clock fleet.Clock, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.MaxClaimAttempts
	if attempts <= 0 {
		attempts = defaultMaxClaimAttempts
	}
	return &Engine{
		tx:          tx,
		clock:       clock,
		logger:      logger.Named("assignment"),
		maxAttempts: attempts,
	}
}

// TryAssign binds the next eligible pending job to the worker. It returns
// ok=false with a nil error when no job is available, and an error wrapping
// fleet.ErrWorkerNotEligible when the worker is not active or is at capacity.
func (e *Engine) TryAssign(ctx context.Context, workerID uuid.UUID) (fleet.ScrapeJob, bool, error) {
	var (
		assigned fleet.ScrapeJob
		ok       bool
	)
	err := e.tx.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		admin, running, err := tx.LockWorker(ctx, workerID)
		if err != nil {
			return fmt.Errorf("lock worker: %w", err)
		}
		if err := checkEligible(admin, running); err != nil {
			return err
		}

		var exclude []int64
		for attempt := 0; attempt < e.maxAttempts; attempt++ {
			candidate, err := tx.NextPendingJob(ctx, admin.Keywords, exclude)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select pending job: %w", err)
			}

			now := e.clock.Now()
			entry := fleet.LogEntry{At: now, Event: fleet.LogAssigned, WorkerID: &workerID}
			won, err := tx.ClaimJob(ctx, candidate.ID, workerID, now, entry)
			if err != nil {
				return fmt.Errorf("claim job %d: %w", candidate.ID, err)
			}
			if !won {
				metrics.ObserveAssignmentRetry()
				e.logger.Debug("lost claim race", zap.Int64("job_id", candidate.ID), zap.Stringer("worker_id", workerID))
				exclude = append(exclude, candidate.ID)
				continue
			}

			candidate.Status = fleet.JobRunning
			candidate.AssignedTo = &workerID
			candidate.StartedAt = &now
			candidate.Logs = append(candidate.Logs, entry)
			assigned, ok = candidate, true
			return nil
		}
		e.logger.Warn("claim attempts exhausted", zap.Stringer("worker_id", workerID), zap.Int("attempts", e.maxAttempts))
		return nil
	})

	switch {
	case errors.Is(err, fleet.ErrWorkerNotEligible):
		metrics.ObserveAssignment(metrics.AssignNotEligible)
		return fleet.ScrapeJob{}, false, err
	case err != nil:
		metrics.ObserveAssignment(metrics.AssignError)
		e.logger.Error("assignment failed", zap.Stringer("worker_id", workerID), zap.Error(err))
		return fleet.ScrapeJob{}, false, err
	case !ok:
		metrics.ObserveAssignment(metrics.AssignNone)
		return fleet.ScrapeJob{}, false, nil
	}

	metrics.ObserveAssignment(metrics.AssignAssigned)
	e.logger.Info("job assigned",
		zap.Int64("job_id", assigned.ID),
		zap.Int64("area_id", assigned.AreaID),
		zap.String("keyword", assigned.Keyword),
		zap.Stringer("worker_id", workerID),
	)
	return assigned, true, nil
}

func checkEligible(admin fleet.Admin, running int) error {
	if !admin.Status.Assignable() {
		return fmt.Errorf("%w: worker %s is %s", fleet.ErrWorkerNotEligible, admin.ID, admin.Status)
	}
	if running >= admin.MaxConcurrentJobs {
		return fmt.Errorf("%w: worker %s is running %d of %d jobs",
			fleet.ErrWorkerNotEligible, admin.ID, running, admin.MaxConcurrentJobs)
	}
	return nil
}
