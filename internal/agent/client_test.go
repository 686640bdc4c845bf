package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

type recordedRequest struct {
	method string
	path   string
	apiKey string
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, recordedRequest{method: r.Method, path: r.URL.Path, apiKey: r.Header.Get("X-API-Key"), body: body})
		rec.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "k"}, srv.Client())
	require.NoError(t, err)
	return client, rec
}

func TestClientAssign(t *testing.T) {
	t.Parallel()

	worker := uuid.New()
	var calls atomic.Int32
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job":{"id":7,"area_id":3,"keyword":"cafes","status":"running"},
			"area":{"area":{"id":3,"name":"Soho"},"city":{"id":2,"name":"London"},"country":{"id":1,"name":"United Kingdom"}}}`))
	})

	_, ok, err := client.Assign(context.Background(), worker)
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := client.Assign(context.Background(), worker)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), got.Job.ID)
	require.Equal(t, fleet.JobRunning, got.Job.Status)
	require.NotNil(t, got.Area)
	require.Equal(t, "Soho, London, United Kingdom", got.Area.Description())

	seen := rec.all()
	require.Len(t, seen, 2)
	require.Equal(t, "/v1/workers/"+worker.String()+"/assign", seen[0].path)
	require.Equal(t, http.MethodPost, seen[0].method)
	require.Equal(t, "k", seen[0].apiKey)
}

func TestClientAssignIdleCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusNoContent)
	})

	got, ok, err := client.Assign(context.Background(), uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 45*time.Second, got.RetryAfter)
}

func TestClientAssignNotEligible(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"worker not eligible for assignment","retry_after":45}`))
	})

	_, ok, err := client.Assign(context.Background(), uuid.New())
	require.False(t, ok)
	require.ErrorIs(t, err, fleet.ErrWorkerNotEligible)
	require.Equal(t, 45*time.Second, retryAfter(err))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, "worker not eligible for assignment", statusErr.Message)
	require.False(t, statusErr.Temporary())
}

func TestClientCompleteSendsRawRecords(t *testing.T) {
	t.Parallel()

	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"job":{"id":9,"status":"completed"}}`))
	})
	worker := uuid.New()
	raw := json.RawMessage(`{"name":"Bar Italia","extraction_method":"feed_cards","plus_code":"GV4F+2X"}`)
	report := Completion{
		WorkerID: worker,
		Businesses: []fleet.BusinessRecord{
			{Name: "Bar Italia", Raw: raw},
			{Name: "Maison Bertaux", Address: "28 Greek St"},
		},
		Logs: map[string]any{"extraction_method": "feed_cards"},
	}
	require.NoError(t, client.Complete(context.Background(), 9, report))

	seen := rec.all()
	require.Len(t, seen, 1)
	require.Equal(t, "/v1/jobs/9/complete", seen[0].path)
	var sent struct {
		WorkerID   uuid.UUID         `json:"worker_id"`
		Businesses []json.RawMessage `json:"businesses"`
		Logs       map[string]any    `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(seen[0].body, &sent))
	require.Equal(t, worker, sent.WorkerID)
	require.Len(t, sent.Businesses, 2)
	require.JSONEq(t, string(raw), string(sent.Businesses[0]))
	require.JSONEq(t, `{"name":"Maison Bertaux","address":"28 Greek St"}`, string(sent.Businesses[1]))
	require.Equal(t, "feed_cards", sent.Logs["extraction_method"])
}

func TestClientFailAndErrors(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code != http.StatusOK {
			_, _ = w.Write([]byte("upstream exploded"))
		}
	})
	worker := uuid.New()

	require.NoError(t, client.Fail(context.Background(), 4, worker, "captcha"))
	seen := rec.all()
	require.Equal(t, "/v1/jobs/4/fail", seen[0].path)
	require.JSONEq(t, `{"worker_id":"`+worker.String()+`","error_message":"captcha"}`, string(seen[0].body))

	status.Store(http.StatusServiceUnavailable)
	err := client.Fail(context.Background(), 4, worker, "captcha")
	require.ErrorIs(t, err, fleet.ErrStoreUnavailable)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.True(t, statusErr.Temporary())
	require.Equal(t, "upstream exploded", statusErr.Message)

	status.Store(http.StatusForbidden)
	require.ErrorIs(t, client.Fail(context.Background(), 4, worker, "captcha"), fleet.ErrNotOwner)
}

func TestClientHeartbeat(t *testing.T) {
	t.Parallel()

	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	worker := uuid.New()
	require.NoError(t, client.Heartbeat(context.Background(), worker, fleet.AdminInactive))
	seen := rec.all()
	require.Equal(t, "/v1/workers/"+worker.String()+"/heartbeat", seen[0].path)
	require.JSONEq(t, `{"status":"inactive"}`, string(seen[0].body))
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{BaseURL: "localhost:8080"}, nil)
	require.Error(t, err)
	client, err := NewClient(ClientConfig{BaseURL: "http://fleet.internal:8080"}, nil)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, client.http.Timeout)
}
