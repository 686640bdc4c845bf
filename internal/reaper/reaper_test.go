package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeScanner struct {
	mu         sync.Mutex
	ids        []int64
	err        error
	calls      int
	thresholds []time.Duration
}

func (f *fakeScanner) ReapStale(_ context.Context, threshold time.Duration) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.thresholds = append(f.thresholds, threshold)
	return f.ids, f.err
}

func (f *fakeScanner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Schedule: "@every 1m", Threshold: time.Minute}, nil)
	require.Error(t, err)
	_, err = New(&fakeScanner{}, Config{Schedule: "@every 1m"}, nil)
	require.Error(t, err)
	_, err = New(&fakeScanner{}, Config{Schedule: "whenever", Threshold: time.Minute}, nil)
	require.Error(t, err)
	_, err = New(&fakeScanner{}, Config{Schedule: "*/5 * * * *", Threshold: time.Minute}, nil)
	require.NoError(t, err)
}

func TestScanLogsStaleJobs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	scanner := &fakeScanner{ids: []int64{4, 9}}
	r, err := New(scanner, Config{Schedule: "@every 1m", Threshold: 30 * time.Minute}, zap.New(core))
	require.NoError(t, err)

	ids, err := r.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{4, 9}, ids)
	require.Equal(t, []time.Duration{30 * time.Minute}, scanner.thresholds)

	entries := logs.FilterMessage("stale jobs found").All()
	require.Len(t, entries, 1)
	require.EqualValues(t, 2, entries[0].ContextMap()["count"])
}

func TestScanPropagatesError(t *testing.T) {
	t.Parallel()

	r, err := New(&fakeScanner{err: errors.New("store down")}, Config{Schedule: "@every 1m", Threshold: time.Minute}, nil)
	require.NoError(t, err)
	_, err = r.Scan(context.Background())
	require.EqualError(t, err, "store down")
}

func TestRunScansOnSchedule(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	r, err := New(scanner, Config{Schedule: "@every 1s", Threshold: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return scanner.count() >= 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
