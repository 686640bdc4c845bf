package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

// rowLocks hands out one mutex per logical row key.
type rowLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (r *rowLocks) lock(key string) func() {
	r.mu.Lock()
	m, ok := r.held[key]
	if !ok {
		m = &sync.Mutex{}
		r.held[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Atomic runs fn against a transaction that records an undo entry for every
// write. On error the entries are replayed in reverse before row locks are
// released.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := &memTx{s: s, locked: make(map[string]struct{})}
	err := fn(ctx, tx)
	if err != nil {
		tx.rollback()
	}
	tx.release()
	return err
}

type memTx struct {
	s       *Store
	undo    []func()
	unlocks []func()
	locked  map[string]struct{}
}

var _ store.Tx = (*memTx)(nil)

func (tx *memTx) lockRow(key string) {
	if _, ok := tx.locked[key]; ok {
		return
	}
	tx.locked[key] = struct{}{}
	tx.unlocks = append(tx.unlocks, tx.s.rows.lock(key))
}

func (tx *memTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) release() {
	for i := len(tx.unlocks) - 1; i >= 0; i-- {
		tx.unlocks[i]()
	}
	tx.unlocks = nil
}

// saveJob snapshots a job for rollback. Callers hold s.mu.
func (tx *memTx) saveJob(job fleet.ScrapeJob) {
	prev := cloneJob(job)
	tx.undo = append(tx.undo, func() { tx.s.jobs[prev.ID] = prev })
}

func (tx *memTx) LockWorker(_ context.Context, workerID uuid.UUID) (fleet.Admin, int, error) {
	tx.lockRow("admin:" + workerID.String())
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	admin, ok := tx.s.admins[workerID]
	if !ok {
		return fleet.Admin{}, 0, fmt.Errorf("admin %s: %w", workerID, store.ErrNotFound)
	}
	return admin, tx.s.countRunningLocked(workerID), nil
}

func (tx *memTx) NextPendingJob(
	_ context.Context,
	affinity fleet.KeywordAffinity,
	exclude []int64,
) (fleet.ScrapeJob, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	var (
		best  fleet.ScrapeJob
		found bool
	)
	for _, job := range tx.s.jobs {
		if job.Status != fleet.JobPending || !affinity.Allows(job.Keyword) || slices.Contains(exclude, job.ID) {
			continue
		}
		if !found || fifo(job, best) < 0 {
			best, found = job, true
		}
	}
	if !found {
		return fleet.ScrapeJob{}, store.ErrNotFound
	}
	return cloneJob(best), nil
}

func (tx *memTx) ClaimJob(
	_ context.Context,
	jobID int64,
	workerID uuid.UUID,
	at time.Time,
	entry fleet.LogEntry,
) (bool, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	job, ok := tx.s.jobs[jobID]
	if !ok || job.Status != fleet.JobPending {
		return false, nil
	}
	tx.saveJob(job)
	owner := workerID
	job.Status = fleet.JobRunning
	job.AssignedTo = &owner
	job.StartedAt = pointerTime(at)
	job.Logs = append(slices.Clone(job.Logs), entry)
	tx.s.jobs[jobID] = job
	return true, nil
}

func (tx *memTx) LockJob(_ context.Context, jobID int64) (fleet.ScrapeJob, error) {
	tx.lockRow(fmt.Sprintf("job:%d", jobID))
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	job, ok := tx.s.jobs[jobID]
	if !ok {
		return fleet.ScrapeJob{}, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (tx *memTx) InsertBusinesses(_ context.Context, businesses []fleet.Business) (int, error) {
	if len(businesses) == 0 {
		return 0, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	touched := make(map[int64][]fleet.Business)
	for _, b := range businesses {
		if _, ok := touched[b.JobID]; !ok {
			touched[b.JobID] = tx.s.businesses[b.JobID]
		}
		b.ID = tx.s.nextID()
		if b.Status == "" {
			b.Status = fleet.BusinessNew
		}
		tx.s.businesses[b.JobID] = append(tx.s.businesses[b.JobID], b)
	}
	tx.undo = append(tx.undo, func() {
		for jobID, prev := range touched {
			tx.s.businesses[jobID] = prev
		}
	})
	return len(businesses), nil
}

func (tx *memTx) FinishJob(_ context.Context, finish store.Finish) (bool, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	job, ok := tx.s.jobs[finish.JobID]
	if !ok || !job.OwnedBy(finish.WorkerID) {
		return false, nil
	}
	tx.saveJob(job)
	job.Status = finish.Status
	job.AssignedTo = nil
	job.CompletedAt = pointerTime(finish.CompletedAt)
	seconds := finish.ProcessingTimeSeconds
	job.ProcessingTimeSeconds = &seconds
	job.BusinessesFound = finish.BusinessesFound
	job.ErrorMessage = finish.ErrorMessage
	job.Logs = append(slices.Clone(job.Logs), finish.Log)
	tx.s.jobs[job.ID] = job
	return true, nil
}

func (tx *memTx) TouchArea(_ context.Context, areaID int64, at time.Time) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	area, ok := tx.s.areas[areaID]
	if !ok {
		return fmt.Errorf("area %d: %w", areaID, store.ErrNotFound)
	}
	if area.LastScrapedAt != nil && !at.After(*area.LastScrapedAt) {
		return nil
	}
	prev := area
	tx.undo = append(tx.undo, func() { tx.s.areas[areaID] = prev })
	area.LastScrapedAt = pointerTime(at)
	tx.s.areas[areaID] = area
	return nil
}

func (tx *memTx) ResetJob(_ context.Context, jobID int64, from fleet.JobStatus, entry fleet.LogEntry) (bool, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	job, ok := tx.s.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	tx.saveJob(job)
	job.Status = fleet.JobPending
	job.AssignedTo = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ProcessingTimeSeconds = nil
	job.ErrorMessage = nil
	job.BusinessesFound = 0
	job.Logs = append(slices.Clone(job.Logs), entry)
	tx.s.jobs[jobID] = job
	return true, nil
}

func (tx *memTx) LockCountry(_ context.Context, countryID int64) (fleet.Country, error) {
	tx.lockRow(fmt.Sprintf("country:%d", countryID))
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	country, ok := tx.s.countries[countryID]
	if !ok {
		return fleet.Country{}, store.ErrNotFound
	}
	return country, nil
}

func (tx *memTx) InsertCities(_ context.Context, countryID int64, cities []fleet.CitySeed) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	existing := make(map[string]struct{})
	for _, city := range tx.s.cities {
		if city.CountryID == countryID {
			existing[city.Name] = struct{}{}
		}
	}
	for _, seed := range cities {
		if _, dup := existing[seed.Name]; dup {
			continue
		}
		existing[seed.Name] = struct{}{}
		city := fleet.City{ID: tx.s.nextID(), CountryID: countryID, Name: seed.Name, Code: seed.Code}
		tx.s.cities[city.ID] = city
		tx.undo = append(tx.undo, func() { delete(tx.s.cities, city.ID) })
	}
	return nil
}

func (tx *memTx) MarkCountryPopulated(_ context.Context, countryID int64, at time.Time) (int, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	country, ok := tx.s.countries[countryID]
	if !ok {
		return 0, store.ErrNotFound
	}
	prev := country
	tx.undo = append(tx.undo, func() { tx.s.countries[countryID] = prev })
	count := 0
	for _, city := range tx.s.cities {
		if city.CountryID == countryID {
			count++
		}
	}
	country.CitiesCount = count
	country.CitiesPopulated = true
	country.PopulatedAt = pointerTime(at)
	tx.s.countries[countryID] = country
	return count, nil
}

func (tx *memTx) LockCity(_ context.Context, cityID int64) (fleet.City, error) {
	tx.lockRow(fmt.Sprintf("city:%d", cityID))
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	city, ok := tx.s.cities[cityID]
	if !ok {
		return fleet.City{}, store.ErrNotFound
	}
	return city, nil
}

func (tx *memTx) InsertAreas(_ context.Context, cityID int64, areas []fleet.AreaSeed) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	existing := make(map[string]struct{})
	for _, area := range tx.s.areasOfLocked(cityID) {
		existing[area.Name] = struct{}{}
	}
	for _, seed := range areas {
		if _, dup := existing[seed.Name]; dup {
			continue
		}
		existing[seed.Name] = struct{}{}
		area := fleet.Area{ID: tx.s.nextID(), CityID: cityID, Name: seed.Name}
		tx.s.areas[area.ID] = area
		tx.undo = append(tx.undo, func() { delete(tx.s.areas, area.ID) })
	}
	return nil
}

func (tx *memTx) MarkCityPopulated(_ context.Context, cityID int64, at time.Time) (int, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	city, ok := tx.s.cities[cityID]
	if !ok {
		return 0, store.ErrNotFound
	}
	prev := city
	tx.undo = append(tx.undo, func() { tx.s.cities[cityID] = prev })
	city.AreasCount = len(tx.s.areasOfLocked(cityID))
	city.AreasPopulated = true
	city.PopulatedAt = pointerTime(at)
	tx.s.cities[cityID] = city
	return city.AreasCount, nil
}

func (tx *memTx) HasOpenJob(_ context.Context, areaID int64, keyword string) (bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	keyword = fleet.NormalizeKeyword(keyword)
	for _, job := range tx.s.jobs {
		if job.AreaID == areaID && fleet.NormalizeKeyword(job.Keyword) == keyword && !job.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) InsertJob(_ context.Context, job store.NewJob) (fleet.ScrapeJob, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	created, err := tx.s.createJobLocked(job)
	if err != nil {
		return fleet.ScrapeJob{}, err
	}
	tx.undo = append(tx.undo, func() { delete(tx.s.jobs, created.ID) })
	return created, nil
}
