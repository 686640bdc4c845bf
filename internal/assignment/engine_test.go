package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/storage/memory"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	engine *Engine
	area   fleet.Area
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := memory.NewStore()
	country, err := s.CreateCountry(context.Background(), "Spain", "ES")
	require.NoError(t, err)
	city := s.SeedCity(country.ID, "Madrid", "MAD")
	area := s.SeedArea(city.ID, "Centro")
	return fixture{
		store:  s,
		engine: NewEngine(s, &fakeClock{now: t0.Add(time.Hour)}, Config{}, zap.NewNop()),
		area:   area,
	}
}

func (f fixture) worker(t *testing.T, status fleet.AdminStatus, capacity int, keywords fleet.KeywordAffinity) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.store.RegisterAdmin(context.Background(), fleet.Admin{
		ID:                id,
		Email:             id.String() + "@example.com",
		Status:            status,
		Keywords:          keywords,
		MaxConcurrentJobs: capacity,
	})
	require.NoError(t, err)
	return id
}

func (f fixture) job(t *testing.T, keyword string, createdAt time.Time) fleet.ScrapeJob {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), store.NewJob{AreaID: f.area.ID, Keyword: keyword, CreatedAt: createdAt})
	require.NoError(t, err)
	return job
}

func TestTryAssignFIFOAndCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	j1 := f.job(t, "cafes", t0)
	j2 := f.job(t, "cafes", t0.Add(time.Minute))
	j3 := f.job(t, "cafes", t0.Add(2*time.Minute))
	worker := f.worker(t, fleet.AdminActive, 2, fleet.KeywordSet("cafes"))

	got, ok, err := f.engine.TryAssign(ctx, worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j1.ID, got.ID)
	require.Equal(t, fleet.JobRunning, got.Status)
	require.Equal(t, worker, *got.AssignedTo)
	require.NotNil(t, got.StartedAt)

	got, ok, err = f.engine.TryAssign(ctx, worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j2.ID, got.ID)

	_, ok, err = f.engine.TryAssign(ctx, worker)
	require.ErrorIs(t, err, fleet.ErrWorkerNotEligible)
	require.False(t, ok)

	finishJob(t, f.store, j1.ID, worker)

	got, ok, err = f.engine.TryAssign(ctx, worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j3.ID, got.ID)
}

func TestTryAssignTieBreaksOnLowestID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.job(t, "cafes", t0)
	f.job(t, "cafes", t0)
	worker := f.worker(t, fleet.AdminActive, 1, fleet.AnyKeyword())

	got, ok, err := f.engine.TryAssign(context.Background(), worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, got.ID)
}

func TestTryAssignKeywordAffinity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	hotels := f.job(t, "hotels", t0)
	restaurants := f.job(t, "restaurants", t0.Add(time.Minute))

	picky := f.worker(t, fleet.AdminActive, 5, fleet.KeywordSet("restaurants"))
	got, ok, err := f.engine.TryAssign(ctx, picky)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, restaurants.ID, got.ID)

	_, ok, err = f.engine.TryAssign(ctx, picky)
	require.NoError(t, err)
	require.False(t, ok, "hotels must never go to a restaurants-only worker")

	wildcard := f.worker(t, fleet.AdminActive, 5, fleet.AnyKeyword())
	got, ok, err = f.engine.TryAssign(ctx, wildcard)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hotels.ID, got.ID)
}

func TestTryAssignRejectsIneligibleWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.job(t, "cafes", t0)

	for _, status := range []fleet.AdminStatus{fleet.AdminBusy, fleet.AdminInactive} {
		worker := f.worker(t, status, 3, fleet.AnyKeyword())
		_, ok, err := f.engine.TryAssign(ctx, worker)
		require.ErrorIs(t, err, fleet.ErrWorkerNotEligible, status)
		require.False(t, ok)
	}

	_, _, err := f.engine.TryAssign(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, fleet.JobPending, jobs[0].Status)
}

func TestTryAssignEmptyBacklogIsNotAnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	worker := f.worker(t, fleet.AdminActive, 1, fleet.AnyKeyword())
	_, ok, err := f.engine.TryAssign(context.Background(), worker)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryAssignConcurrentWorkersRespectCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	const jobs = 10
	for i := range jobs {
		f.job(t, "cafes", t0.Add(time.Duration(i)*time.Second))
	}
	capacities := []int{2, 3, 1}
	workers := make([]uuid.UUID, 0, len(capacities))
	for _, c := range capacities {
		workers = append(workers, f.worker(t, fleet.AdminActive, c, fleet.AnyKeyword()))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned = make(map[int64]uuid.UUID)
	)
	for _, worker := range workers {
		for range 6 {
			wg.Add(1)
			go func(worker uuid.UUID) {
				defer wg.Done()
				job, ok, err := f.engine.TryAssign(ctx, worker)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if prev, dup := assigned[job.ID]; dup {
					t.Errorf("job %d assigned twice (%s and %s)", job.ID, prev, worker)
				}
				assigned[job.ID] = worker
			}(worker)
		}
	}
	wg.Wait()

	require.Len(t, assigned, 6, "min(10 jobs, 2+3+1 capacity)")
	for i, worker := range workers {
		running, err := f.store.CountRunning(ctx, worker)
		require.NoError(t, err)
		require.Equal(t, capacities[i], running)
	}
}

// racingTx loses the claim on the first candidate to simulate a concurrent
// worker winning the compare-and-swap.
type racingTx struct {
	store.Tx
	admin   fleet.Admin
	jobs    []fleet.ScrapeJob
	claimed []int64
}

func (r *racingTx) LockWorker(context.Context, uuid.UUID) (fleet.Admin, int, error) {
	return r.admin, 0, nil
}

func (r *racingTx) NextPendingJob(_ context.Context, _ fleet.KeywordAffinity, exclude []int64) (fleet.ScrapeJob, error) {
	for _, job := range r.jobs {
		excluded := false
		for _, id := range exclude {
			excluded = excluded || id == job.ID
		}
		if !excluded {
			return job, nil
		}
	}
	return fleet.ScrapeJob{}, store.ErrNotFound
}

func (r *racingTx) ClaimJob(_ context.Context, jobID int64, _ uuid.UUID, _ time.Time, _ fleet.LogEntry) (bool, error) {
	r.claimed = append(r.claimed, jobID)
	return len(r.claimed) > 1, nil
}

type racingTransactor struct{ tx *racingTx }

func (r racingTransactor) Atomic(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return fn(ctx, r.tx)
}

func TestTryAssignRetriesAfterLostRace(t *testing.T) {
	t.Parallel()

	worker := uuid.New()
	tx := &racingTx{
		admin: fleet.Admin{ID: worker, Status: fleet.AdminActive, MaxConcurrentJobs: 1},
		jobs:  []fleet.ScrapeJob{{ID: 1, Status: fleet.JobPending}, {ID: 2, Status: fleet.JobPending}},
	}
	engine := NewEngine(racingTransactor{tx: tx}, &fakeClock{now: t0}, Config{}, nil)

	got, ok, err := engine.TryAssign(context.Background(), worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), got.ID)
	require.Equal(t, []int64{1, 2}, tx.claimed)
}

func finishJob(t *testing.T, s *memory.Store, jobID int64, worker uuid.UUID) {
	t.Helper()
	require.NoError(t, s.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.FinishJob(ctx, store.Finish{
			JobID:       jobID,
			WorkerID:    worker,
			Status:      fleet.JobCompleted,
			CompletedAt: t0.Add(2 * time.Hour),
		})
		require.True(t, ok)
		return err
	}))
}
