// Package memory provides in-memory implementations of the persistence
// contracts for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps the whole fleet state in maps guarded by one mutex. Atomic
// units additionally take per-row locks so that a unit observes a stable
// row for its whole duration.
type Store struct {
	mu         sync.RWMutex
	seq        int64
	countries  map[int64]fleet.Country
	cities     map[int64]fleet.City
	areas      map[int64]fleet.Area
	admins     map[uuid.UUID]fleet.Admin
	jobs       map[int64]fleet.ScrapeJob
	businesses map[int64][]fleet.Business

	rows rowLocks
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		countries:  make(map[int64]fleet.Country),
		cities:     make(map[int64]fleet.City),
		areas:      make(map[int64]fleet.Area),
		admins:     make(map[uuid.UUID]fleet.Admin),
		jobs:       make(map[int64]fleet.ScrapeJob),
		businesses: make(map[int64][]fleet.Business),
		rows:       rowLocks{held: make(map[string]*sync.Mutex)},
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// CreateJob stores a new pending job.
func (s *Store) CreateJob(_ context.Context, job store.NewJob) (fleet.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJobLocked(job)
}

func (s *Store) createJobLocked(job store.NewJob) (fleet.ScrapeJob, error) {
	if _, ok := s.areas[job.AreaID]; !ok {
		return fleet.ScrapeJob{}, fmt.Errorf("area %d: %w", job.AreaID, store.ErrNotFound)
	}
	created := fleet.ScrapeJob{
		ID:        s.nextID(),
		AreaID:    job.AreaID,
		Keyword:   job.Keyword,
		Status:    fleet.JobPending,
		Logs:      []fleet.LogEntry{{At: job.CreatedAt, Event: fleet.LogCreated}},
		CreatedAt: job.CreatedAt,
	}
	s.jobs[created.ID] = created
	return cloneJob(created), nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, jobID int64) (fleet.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fleet.ScrapeJob{}, store.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs in FIFO order.
func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]fleet.ScrapeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.ScrapeJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.AreaID != 0 && job.AreaID != filter.AreaID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	slices.SortFunc(out, fifo)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []fleet.ScrapeJob{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListStaleJobs returns running jobs started before the cutoff.
func (s *Store) ListStaleJobs(_ context.Context, startedBefore time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0)
	for id, job := range s.jobs {
		if job.Status == fleet.JobRunning && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// RegisterAdmin inserts or replaces an admin.
func (s *Store) RegisterAdmin(_ context.Context, admin fleet.Admin) (fleet.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.admins {
		if id != admin.ID && existing.Email == admin.Email {
			return fleet.Admin{}, fmt.Errorf("%w: email %q already registered", fleet.ErrValidation, admin.Email)
		}
	}
	if existing, ok := s.admins[admin.ID]; ok {
		admin.CreatedAt = existing.CreatedAt
	}
	s.admins[admin.ID] = admin
	return admin, nil
}

// GetAdmin loads one admin.
func (s *Store) GetAdmin(_ context.Context, workerID uuid.UUID) (fleet.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	admin, ok := s.admins[workerID]
	if !ok {
		return fleet.Admin{}, store.ErrNotFound
	}
	return admin, nil
}

// ListAdmins returns every admin ordered by email.
func (s *Store) ListAdmins(context.Context) ([]fleet.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Admin, 0, len(s.admins))
	for _, admin := range s.admins {
		out = append(out, admin)
	}
	slices.SortFunc(out, func(a, b fleet.Admin) int { return cmp.Compare(a.Email, b.Email) })
	return out, nil
}

// UpdateAdminStatus records a heartbeat.
func (s *Store) UpdateAdminStatus(
	_ context.Context,
	workerID uuid.UUID,
	status fleet.AdminStatus,
	seenAt time.Time,
) (fleet.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[workerID]
	if !ok {
		return fleet.Admin{}, store.ErrNotFound
	}
	admin.Status = status
	admin.LastSeenAt = pointerTime(seenAt)
	s.admins[workerID] = admin
	return admin, nil
}

// CountRunning counts running jobs assigned to the worker.
func (s *Store) CountRunning(_ context.Context, workerID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countRunningLocked(workerID), nil
}

func (s *Store) countRunningLocked(workerID uuid.UUID) int {
	n := 0
	for _, job := range s.jobs {
		if job.OwnedBy(workerID) {
			n++
		}
	}
	return n
}

// CreateCountry seeds a root geography node.
func (s *Store) CreateCountry(_ context.Context, name, isoCode string) (fleet.Country, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.countries {
		if existing.ISOCode == isoCode {
			return fleet.Country{}, fmt.Errorf("%w: iso code %q already exists", fleet.ErrValidation, isoCode)
		}
	}
	country := fleet.Country{ID: s.nextID(), Name: name, ISOCode: isoCode}
	s.countries[country.ID] = country
	return country, nil
}

// GetCountry loads one country.
func (s *Store) GetCountry(_ context.Context, countryID int64) (fleet.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	country, ok := s.countries[countryID]
	if !ok {
		return fleet.Country{}, store.ErrNotFound
	}
	return country, nil
}

// GetCity loads one city.
func (s *Store) GetCity(_ context.Context, cityID int64) (fleet.City, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	city, ok := s.cities[cityID]
	if !ok {
		return fleet.City{}, store.ErrNotFound
	}
	return city, nil
}

// GetArea loads one area.
func (s *Store) GetArea(_ context.Context, areaID int64) (fleet.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	area, ok := s.areas[areaID]
	if !ok {
		return fleet.Area{}, store.ErrNotFound
	}
	return area, nil
}

// ListCities returns the cities of a country ordered by id.
func (s *Store) ListCities(_ context.Context, countryID int64) ([]fleet.City, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.City, 0)
	for _, city := range s.cities {
		if city.CountryID == countryID {
			out = append(out, city)
		}
	}
	slices.SortFunc(out, func(a, b fleet.City) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ListAreas returns the areas of a city ordered by id.
func (s *Store) ListAreas(_ context.Context, cityID int64) ([]fleet.Area, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.areasOfLocked(cityID), nil
}

func (s *Store) areasOfLocked(cityID int64) []fleet.Area {
	out := make([]fleet.Area, 0)
	for _, area := range s.areas {
		if area.CityID == cityID {
			out = append(out, area)
		}
	}
	slices.SortFunc(out, func(a, b fleet.Area) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// DescribeArea joins an area with its ancestors.
func (s *Store) DescribeArea(_ context.Context, areaID int64) (fleet.AreaPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	area, ok := s.areas[areaID]
	if !ok {
		return fleet.AreaPath{}, store.ErrNotFound
	}
	city := s.cities[area.CityID]
	return fleet.AreaPath{Area: area, City: city, Country: s.countries[city.CountryID]}, nil
}

// ListBusinesses returns the businesses stored for a job.
func (s *Store) ListBusinesses(_ context.Context, jobID int64) ([]fleet.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]fleet.Business(nil), s.businesses[jobID]...), nil
}

// SeedCity inserts a city directly. It is meant for fixtures.
func (s *Store) SeedCity(countryID int64, name, code string) fleet.City {
	s.mu.Lock()
	defer s.mu.Unlock()
	city := fleet.City{ID: s.nextID(), CountryID: countryID, Name: name, Code: code}
	s.cities[city.ID] = city
	return city
}

// SeedArea inserts an area directly. It is meant for fixtures.
func (s *Store) SeedArea(cityID int64, name string) fleet.Area {
	s.mu.Lock()
	defer s.mu.Unlock()
	area := fleet.Area{ID: s.nextID(), CityID: cityID, Name: name}
	s.areas[area.ID] = area
	return area
}

func fifo(a, b fleet.ScrapeJob) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func cloneJob(job fleet.ScrapeJob) fleet.ScrapeJob {
	job.Logs = slices.Clone(job.Logs)
	return job
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
