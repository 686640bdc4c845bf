package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

var errBoom = errors.New("boom")

func seedArea(t *testing.T, s *Store) fleet.Area {
	t.Helper()
	country, err := s.CreateCountry(context.Background(), "United Kingdom", "GB")
	require.NoError(t, err)
	city := s.SeedCity(country.ID, "London", "LON")
	return s.SeedArea(city.ID, "Soho")
}

func TestAtomicRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	country, err := s.CreateCountry(ctx, "Portugal", "PT")
	require.NoError(t, err)

	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockCountry(ctx, country.ID); err != nil {
			return err
		}
		if err := tx.InsertCities(ctx, country.ID, []fleet.CitySeed{{Name: "Lisbon"}, {Name: "Porto"}}); err != nil {
			return err
		}
		if _, err := tx.MarkCountryPopulated(ctx, country.ID, time.Now()); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	cities, err := s.ListCities(ctx, country.ID)
	require.NoError(t, err)
	require.Empty(t, cities)
	reloaded, err := s.GetCountry(ctx, country.ID)
	require.NoError(t, err)
	require.False(t, reloaded.CitiesPopulated)
	require.Zero(t, reloaded.CitiesCount)
	require.Nil(t, reloaded.PopulatedAt)
}

func TestClaimJobIsCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	job, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: time.Now()})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
				won, err := tx.ClaimJob(ctx, job.ID, uuid.New(), time.Now(), fleet.LogEntry{Event: fleet.LogAssigned})
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return err
			})
			if err != nil {
				t.Errorf("Atomic() error = %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.JobRunning, stored.Status)
	require.NotNil(t, stored.AssignedTo)
	require.Len(t, stored.Logs, 2)
}

func TestNextPendingJobOrdersByCreationThenID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	late, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	first, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: base})
	require.NoError(t, err)
	tie, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "hotels", CreatedAt: base})
	require.NoError(t, err)

	err = s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		next, err := tx.NextPendingJob(ctx, fleet.AnyKeyword(), nil)
		require.NoError(t, err)
		require.Equal(t, first.ID, next.ID)

		next, err = tx.NextPendingJob(ctx, fleet.AnyKeyword(), []int64{first.ID})
		require.NoError(t, err)
		require.Equal(t, tie.ID, next.ID)

		next, err = tx.NextPendingJob(ctx, fleet.KeywordSet("cafes"), []int64{first.ID})
		require.NoError(t, err)
		require.Equal(t, late.ID, next.ID)

		_, err = tx.NextPendingJob(ctx, fleet.KeywordSet("bars"), nil)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestFinishJobRequiresOwnerAndClearsAssignment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	worker := uuid.New()
	job, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		won, err := tx.ClaimJob(ctx, job.ID, worker, time.Now(), fleet.LogEntry{Event: fleet.LogAssigned})
		require.True(t, won)
		return err
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.FinishJob(ctx, store.Finish{JobID: job.ID, WorkerID: uuid.New(), Status: fleet.JobCompleted})
		require.False(t, ok)
		return err
	}))

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.FinishJob(ctx, store.Finish{
			JobID:                 job.ID,
			WorkerID:              worker,
			Status:                fleet.JobCompleted,
			CompletedAt:           time.Now(),
			ProcessingTimeSeconds: 12,
			BusinessesFound:       3,
			Log:                   fleet.LogEntry{Event: fleet.LogCompleted},
		})
		require.True(t, ok)
		return err
	}))

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, fleet.JobCompleted, stored.Status)
	require.Nil(t, stored.AssignedTo)
	require.Equal(t, 3, stored.BusinessesFound)
	require.Equal(t, int64(12), *stored.ProcessingTimeSeconds)

	running, err := s.CountRunning(ctx, worker)
	require.NoError(t, err)
	require.Zero(t, running)
}

func TestListStaleJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	old, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: now})
	require.NoError(t, err)
	fresh, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: now})
	require.NoError(t, err)

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.ClaimJob(ctx, old.ID, uuid.New(), now.Add(-2*time.Hour), fleet.LogEntry{}); err != nil {
			return err
		}
		_, err := tx.ClaimJob(ctx, fresh.ID, uuid.New(), now.Add(-time.Minute), fleet.LogEntry{})
		return err
	}))

	ids, err := s.ListStaleJobs(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []int64{old.ID}, ids)
}

func TestRegisterAdminRejectsDuplicateEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	_, err := s.RegisterAdmin(ctx, fleet.Admin{ID: uuid.New(), Email: "a@example.com", Status: fleet.AdminActive, MaxConcurrentJobs: 1})
	require.NoError(t, err)
	_, err = s.RegisterAdmin(ctx, fleet.Admin{ID: uuid.New(), Email: "a@example.com", Status: fleet.AdminActive, MaxConcurrentJobs: 1})
	require.ErrorIs(t, err, fleet.ErrValidation)

	_, err = s.GetAdmin(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobsReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	_, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: time.Now()})
	require.NoError(t, err)

	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobs[0].Logs[0].Event = "modified"

	again, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, fleet.LogCreated, again[0].Logs[0].Event)
}

func TestTouchAreaOnlyMovesForward(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)
	later := time.Date(2025, 3, 1, 8, 2, 0, 0, time.UTC)

	for _, at := range []time.Time{later, later.Add(-time.Minute)} {
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.TouchArea(ctx, area.ID, at)
		}))
	}

	reloaded, err := s.GetArea(ctx, area.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastScrapedAt)
	require.True(t, later.Equal(*reloaded.LastScrapedAt))
}

func TestInsertJobRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	area := seedArea(t, s)

	err := s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.InsertJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: time.Now()}); err != nil {
			return err
		}
		open, err := tx.HasOpenJob(ctx, area.ID, " Cafes")
		require.NoError(t, err)
		require.True(t, open)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}
