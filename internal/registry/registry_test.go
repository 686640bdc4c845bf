package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
	"github.com/JakeFAU/scrapefleet/internal/storage/memory"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var now = time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)

func TestRegisterAndHeartbeat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	generated := uuid.MustParse("018f2c3e-4b5a-7c6d-8e9f-0a1b2c3d4e5f")
	r := New(memory.NewStore(), fixedClock{now: now}, fixedIDs{id: generated.String()}, zap.NewNop())

	admin, err := r.Register(ctx, Registration{
		Email:             " Scraper@Example.com ",
		Keywords:          fleet.KeywordSet("cafes"),
		MaxConcurrentJobs: 2,
	})
	require.NoError(t, err)
	require.Equal(t, generated, admin.ID)
	require.Equal(t, "scraper@example.com", admin.Email)
	require.Equal(t, fleet.AdminInactive, admin.Status)

	updated, err := r.Heartbeat(ctx, admin.ID, fleet.AdminActive)
	require.NoError(t, err)
	require.Equal(t, fleet.AdminActive, updated.Status)
	require.Equal(t, now, *updated.LastSeenAt)

	// Any member of the closed set is accepted, in any order.
	_, err = r.Heartbeat(ctx, admin.ID, fleet.AdminBusy)
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, admin.ID, fleet.AdminInactive)
	require.NoError(t, err)

	_, err = r.Heartbeat(ctx, admin.ID, fleet.AdminStatus("asleep"))
	require.ErrorIs(t, err, fleet.ErrValidation)

	_, err = r.Heartbeat(ctx, uuid.New(), fleet.AdminActive)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()

	r := New(memory.NewStore(), fixedClock{now: now}, fixedIDs{id: uuid.NewString()}, nil)
	_, err := r.Register(context.Background(), Registration{Email: "ops@example.com", MaxConcurrentJobs: 0})
	require.ErrorIs(t, err, fleet.ErrValidation)
	_, err = r.Register(context.Background(), Registration{Email: "not-an-email", MaxConcurrentJobs: 1})
	require.ErrorIs(t, err, fleet.ErrValidation)
}

func TestCurrentLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore()
	r := New(s, fixedClock{now: now}, fixedIDs{id: uuid.NewString()}, nil)
	admin, err := r.Register(ctx, Registration{ID: uuid.New(), Email: "w@example.com", Status: fleet.AdminActive, MaxConcurrentJobs: 3})
	require.NoError(t, err)

	country, err := s.CreateCountry(ctx, "Italy", "IT")
	require.NoError(t, err)
	area := s.SeedArea(s.SeedCity(country.ID, "Rome", "ROM").ID, "Trastevere")
	for range 2 {
		job, err := s.CreateJob(ctx, store.NewJob{AreaID: area.ID, Keyword: "cafes", CreatedAt: now})
		require.NoError(t, err)
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := tx.ClaimJob(ctx, job.ID, admin.ID, now, fleet.LogEntry{})
			return err
		}))
	}

	load, err := r.CurrentLoad(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, 2, load)

	_, err = r.CurrentLoad(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	admins, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
}
