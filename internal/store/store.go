package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = fleet.ErrNotFound

// NewJob describes a pending job to insert.
type NewJob struct {
	AreaID    int64
	Keyword   string
	CreatedAt time.Time
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Status *fleet.JobStatus
	AreaID int64
	Limit  int
	Offset int
}

// Finish describes a running -> completed|failed transition.
type Finish struct {
	JobID                 int64
	WorkerID              uuid.UUID
	Status                fleet.JobStatus
	CompletedAt           time.Time
	ProcessingTimeSeconds int64
	BusinessesFound       int
	ErrorMessage          *string
	Log                   fleet.LogEntry
}

// JobRepository reads and creates scrape jobs outside the atomic units.
type JobRepository interface {
	// CreateJob inserts a pending job.
	CreateJob(ctx context.Context, job NewJob) (fleet.ScrapeJob, error)
	// GetJob loads a job or returns ErrNotFound.
	GetJob(ctx context.Context, jobID int64) (fleet.ScrapeJob, error)
	// ListJobs returns jobs ordered by created_at, id.
	ListJobs(ctx context.Context, filter JobFilter) ([]fleet.ScrapeJob, error)
	// ListStaleJobs returns ids of running jobs started before the cutoff.
	ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]int64, error)
}

// WorkerRepository persists admin records.
type WorkerRepository interface {
	// RegisterAdmin inserts or replaces an admin's registration.
	RegisterAdmin(ctx context.Context, admin fleet.Admin) (fleet.Admin, error)
	GetAdmin(ctx context.Context, workerID uuid.UUID) (fleet.Admin, error)
	ListAdmins(ctx context.Context) ([]fleet.Admin, error)
	// UpdateAdminStatus records a heartbeat.
	UpdateAdminStatus(ctx context.Context, workerID uuid.UUID, status fleet.AdminStatus, seenAt time.Time) (fleet.Admin, error)
	// CountRunning returns the number of running jobs assigned to the worker.
	CountRunning(ctx context.Context, workerID uuid.UUID) (int, error)
}

// GeoRepository reads the geography tree.
type GeoRepository interface {
	CreateCountry(ctx context.Context, name, isoCode string) (fleet.Country, error)
	GetCountry(ctx context.Context, countryID int64) (fleet.Country, error)
	GetCity(ctx context.Context, cityID int64) (fleet.City, error)
	GetArea(ctx context.Context, areaID int64) (fleet.Area, error)
	ListCities(ctx context.Context, countryID int64) ([]fleet.City, error)
	ListAreas(ctx context.Context, cityID int64) ([]fleet.Area, error)
	// DescribeArea loads an area together with its city and country.
	DescribeArea(ctx context.Context, areaID int64) (fleet.AreaPath, error)
}

// BusinessRepository reads harvested businesses.
type BusinessRepository interface {
	ListBusinesses(ctx context.Context, jobID int64) ([]fleet.Business, error)
}

// Tx exposes the row-level operations that must run inside one atomic unit.
// Lock* methods hold the row until the unit ends. Conditional methods return
// false when the row was not in the expected state.
type Tx interface {
	// LockWorker locks the admin row and returns it with its running count.
	LockWorker(ctx context.Context, workerID uuid.UUID) (fleet.Admin, int, error)
	// NextPendingJob returns the oldest pending job the affinity allows,
	// skipping excluded ids. Returns ErrNotFound when none qualifies.
	NextPendingJob(ctx context.Context, affinity fleet.KeywordAffinity, exclude []int64) (fleet.ScrapeJob, error)
	// ClaimJob moves a job pending -> running if it is still pending.
	ClaimJob(ctx context.Context, jobID int64, workerID uuid.UUID, at time.Time, entry fleet.LogEntry) (bool, error)

	// LockJob locks a job row and returns it.
	LockJob(ctx context.Context, jobID int64) (fleet.ScrapeJob, error)
	// InsertBusinesses persists result rows and returns how many were stored.
	InsertBusinesses(ctx context.Context, businesses []fleet.Business) (int, error)
	// FinishJob applies a terminal transition if the job is running on the worker.
	FinishJob(ctx context.Context, finish Finish) (bool, error)
	// TouchArea advances the area's last_scraped_at to at. An older at is a no-op.
	TouchArea(ctx context.Context, areaID int64, at time.Time) error
	// ResetJob moves a job from the given status back to pending.
	ResetJob(ctx context.Context, jobID int64, from fleet.JobStatus, entry fleet.LogEntry) (bool, error)
	// HasOpenJob reports whether a pending or running job exists for the
	// pair. Keywords compare in normalized form.
	HasOpenJob(ctx context.Context, areaID int64, keyword string) (bool, error)
	// InsertJob inserts a pending job.
	InsertJob(ctx context.Context, job NewJob) (fleet.ScrapeJob, error)

	LockCountry(ctx context.Context, countryID int64) (fleet.Country, error)
	InsertCities(ctx context.Context, countryID int64, cities []fleet.CitySeed) error
	// MarkCountryPopulated recounts the country's cities, flips the flag and
	// returns the count.
	MarkCountryPopulated(ctx context.Context, countryID int64, at time.Time) (int, error)
	LockCity(ctx context.Context, cityID int64) (fleet.City, error)
	InsertAreas(ctx context.Context, cityID int64, areas []fleet.AreaSeed) error
	// MarkCityPopulated recounts the city's areas, flips the flag and returns
	// the count.
	MarkCityPopulated(ctx context.Context, cityID int64, at time.Time) (int, error)
}

// Transactor runs fn as one atomic unit: every Tx write commits together or
// not at all. An error returned by fn rolls the unit back and is returned.
type Transactor interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	JobRepository
	WorkerRepository
	GeoRepository
	BusinessRepository
	Transactor
	Ping(ctx context.Context) error
	Close()
}
