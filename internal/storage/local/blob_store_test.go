package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/storage/local"
)

func TestNewValidatesBaseDir(t *testing.T) {
	t.Parallel()

	notADir := filepath.Join(t.TempDir(), "archive.txt")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{name: "existing directory", baseDir: t.TempDir()},
		{name: "created on demand", baseDir: filepath.Join(t.TempDir(), "payloads", "raw")},
		{name: "blank", baseDir: "  ", wantErr: true},
		{name: "regular file", baseDir: notADir, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, err := local.New(local.Config{BaseDir: tt.baseDir})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
			require.DirExists(t, tt.baseDir)
		})
	}
}

func TestNewRejectsReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500)) // #nosec G302 -- read-only on purpose
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := local.New(local.Config{BaseDir: dir})
	require.ErrorContains(t, err, "not writable")
}

func TestPutObjectArchivesPayload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte(`{"worker_id":"w1","businesses":[{"name":"Ace Plumbing"}]}`)
	uri, err := store.PutObject(ctx, "scrapefleet/jobs/7/0f1e.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "scrapefleet", "jobs", "7", "0f1e.json"), uri)

	got, err := os.ReadFile(strings.TrimPrefix(uri, "file://")) // #nosec G304 -- temp dir
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPutObjectReplacesWithoutLeftovers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	for _, body := range []string{`{"attempt":1}`, `{"attempt":2}`} {
		_, err := store.PutObject(ctx, "jobs/9/same.json", "application/json", strings.NewReader(body))
		require.NoError(t, err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "jobs", "9", "same.json")) // #nosec G304 -- temp dir
	require.NoError(t, err)
	require.JSONEq(t, `{"attempt":2}`, string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "jobs", "9"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "   ", "../escape.json", "jobs/../../escape.json"} {
		_, err := store.PutObject(context.Background(), path, "application/json", bytes.NewReader(nil))
		require.Error(t, err, "path %q", path)
	}
}
