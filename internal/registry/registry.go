// Package registry manages scraping worker (admin) records: operator
// registration, status heartbeats and load queries.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

// Registration is the operator-supplied description of a worker.
type Registration struct {
	ID                uuid.UUID             `json:"id"`
	Email             string                `json:"email"`
	Status            fleet.AdminStatus     `json:"status"`
	Keywords          fleet.KeywordAffinity `json:"supported_keywords"`
	MaxConcurrentJobs int                   `json:"max_concurrent_jobs"`
}

// Registry implements the worker registry operations.
type Registry struct {
	workers store.WorkerRepository
	clock   fleet.Clock
	ids     fleet.IDGenerator
	logger  *zap.Logger
}

// New wires a Registry. ids mints worker identifiers when a registration
// does not carry one.
func New(workers store.WorkerRepository, clock fleet.Clock, ids fleet.IDGenerator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{workers: workers, clock: clock, ids: ids, logger: logger.Named("registry")}
}

// Register inserts or replaces a worker registration.
func (r *Registry) Register(ctx context.Context, reg Registration) (fleet.Admin, error) {
	if reg.ID == uuid.Nil {
		raw, err := r.ids.NewID()
		if err != nil {
			return fleet.Admin{}, fmt.Errorf("generate worker id: %w", err)
		}
		if reg.ID, err = uuid.Parse(raw); err != nil {
			return fleet.Admin{}, fmt.Errorf("parse worker id: %w", err)
		}
	}
	if reg.Status == "" {
		reg.Status = fleet.AdminInactive
	}
	admin := fleet.Admin{
		ID:                reg.ID,
		Email:             strings.ToLower(strings.TrimSpace(reg.Email)),
		Status:            reg.Status,
		Keywords:          reg.Keywords,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		CreatedAt:         r.clock.Now(),
	}
	if err := admin.Validate(); err != nil {
		return fleet.Admin{}, err
	}
	saved, err := r.workers.RegisterAdmin(ctx, admin)
	if err != nil {
		return fleet.Admin{}, fmt.Errorf("register worker: %w", err)
	}
	r.logger.Info("worker registered",
		zap.Stringer("worker_id", saved.ID),
		zap.String("email", saved.Email),
		zap.Stringer("keywords", saved.Keywords),
		zap.Int("max_concurrent_jobs", saved.MaxConcurrentJobs),
	)
	return saved, nil
}

// Heartbeat records the worker's self-declared status. Any member of the
// closed status set is accepted; there is no transition table.
func (r *Registry) Heartbeat(ctx context.Context, workerID uuid.UUID, status fleet.AdminStatus) (fleet.Admin, error) {
	if !status.Valid() {
		return fleet.Admin{}, fmt.Errorf("%w: unknown admin status %q", fleet.ErrValidation, status)
	}
	admin, err := r.workers.UpdateAdminStatus(ctx, workerID, status, r.clock.Now())
	if err != nil {
		return fleet.Admin{}, fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	r.logger.Debug("heartbeat", zap.Stringer("worker_id", workerID), zap.String("status", string(status)))
	return admin, nil
}

// CurrentLoad returns the number of running jobs assigned to the worker.
func (r *Registry) CurrentLoad(ctx context.Context, workerID uuid.UUID) (int, error) {
	if _, err := r.workers.GetAdmin(ctx, workerID); err != nil {
		return 0, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	n, err := r.workers.CountRunning(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// Get returns a worker registration.
func (r *Registry) Get(ctx context.Context, workerID uuid.UUID) (fleet.Admin, error) {
	admin, err := r.workers.GetAdmin(ctx, workerID)
	if err != nil {
		return fleet.Admin{}, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	return admin, nil
}

// List returns every registered worker.
func (r *Registry) List(ctx context.Context) ([]fleet.Admin, error) {
	admins, err := r.workers.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return admins, nil
}
