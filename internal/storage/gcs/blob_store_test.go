package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestBlobStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive-bucket"})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWithCreateOnlyPrecondition(t *testing.T) {
	payload := []byte(`{"businesses":[]}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive-bucket/o")
		assert.Equal(t, "scrapefleet/jobs/7/abc.json", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		fmt.Fprintln(w, `{"name": "scrapefleet/jobs/7/abc.json", "bucket": "archive-bucket"}`)
	})
	store := newTestBlobStore(t, handler)

	uri, err := store.PutObject(context.Background(), "/scrapefleet/jobs/7/abc.json", "application/json",
		bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/scrapefleet/jobs/7/abc.json", uri)
}

func TestPutObjectTreatsExistingObjectAsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "At least one of the pre-conditions you specified did not hold."}}`)
	})
	store := newTestBlobStore(t, handler)

	uri, err := store.PutObject(context.Background(), "jobs/1/x.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/jobs/1/x.json", uri)
}

func TestPutObjectReturnsUploadError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestBlobStore(t, handler)

	_, err := store.PutObject(context.Background(), "jobs/1/x.json", "application/json", bytes.NewReader([]byte("{}")))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	store := newTestBlobStore(t, http.NotFoundHandler())

	_, err := store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestNewValidatesInputs(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	require.Error(t, err)
}
