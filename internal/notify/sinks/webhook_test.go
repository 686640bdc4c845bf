package sinks

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/notify"
)

type capturedRequest struct {
	header  http.Header
	payload map[string]any
}

type webhookRecorder struct {
	mu       sync.Mutex
	requests []capturedRequest
}

func (r *webhookRecorder) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(req.Body).Decode(&payload)
		r.mu.Lock()
		r.requests = append(r.requests, capturedRequest{header: req.Header.Clone(), payload: payload})
		r.mu.Unlock()
		w.WriteHeader(status(int(calls.Add(1))))
	}
}

func (r *webhookRecorder) all() []capturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedRequest(nil), r.requests...)
}

func TestWebhookSinkPostsPayload(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }))
	t.Cleanup(srv.Close)

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Timeout: time.Second}, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []notify.Event{completedEvent(5), failedEvent(6)}))

	reqs := rec.all()
	require.Len(t, reqs, 2)
	require.Equal(t, "5", reqs[0].header.Get("Idempotency-Key"))
	require.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	require.Equal(t, "completed", reqs[0].payload["status"])
	require.Equal(t, true, reqs[0].payload["success"])
	require.InDelta(t, 12.0, reqs[0].payload["businesses_found"], 1e-9)
	require.Equal(t, testWorker.String(), reqs[0].payload["admin_id"])

	require.Equal(t, "6", reqs[1].header.Get("Idempotency-Key"))
	require.Equal(t, false, reqs[1].payload["success"])
	require.Equal(t, "captcha wall", reqs[1].payload["error_message"])
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(func(n int) int {
		if n < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusAccepted
	}))
	t.Cleanup(srv.Close)

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, MaxAttempts: 3}, nil, zap.NewNop())
	require.NoError(t, err)
	sink.retry = NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)

	require.NoError(t, sink.Consume(context.Background(), []notify.Event{completedEvent(9)}))
	reqs := rec.all()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		require.Equal(t, "9", r.header.Get("Idempotency-Key"))
	}
}

func TestWebhookSinkRetriesRefusedConnections(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusOK }))
	t.Cleanup(srv.Close)

	var dials atomic.Int32
	var dialer net.Dialer
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}}

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, MaxAttempts: 3}, client, zap.NewNop())
	require.NoError(t, err)
	sink.retry = NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)

	require.NoError(t, sink.Consume(context.Background(), []notify.Event{completedEvent(4)}))
	require.Len(t, rec.all(), 1)
	require.EqualValues(t, 2, dials.Load())
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(func(int) int { return http.StatusBadRequest }))
	t.Cleanup(srv.Close)

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, MaxAttempts: 5}, nil, zap.NewNop())
	require.NoError(t, err)
	sink.retry = NewRetryPolicy(5, time.Millisecond, time.Millisecond)

	err = sink.Consume(context.Background(), []notify.Event{completedEvent(3)})
	require.ErrorContains(t, err, "400")
	require.Len(t, rec.all(), 1)
}

func TestWebhookSinkSendTest(t *testing.T) {
	t.Parallel()

	main := &webhookRecorder{}
	mainSrv := httptest.NewServer(main.handler(func(int) int { return http.StatusOK }))
	t.Cleanup(mainSrv.Close)
	testRec := &webhookRecorder{}
	testSrv := httptest.NewServer(testRec.handler(func(int) int { return http.StatusOK }))
	t.Cleanup(testSrv.Close)

	sink, err := NewWebhookSink(WebhookConfig{URL: mainSrv.URL, TestURL: testSrv.URL}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sink.SendTest(context.Background()))

	require.Empty(t, main.all())
	reqs := testRec.all()
	require.Len(t, reqs, 1)
	require.Equal(t, "Test successful", reqs[0].payload["message"])
	require.InDelta(t, 200.0, reqs[0].payload["status_code"], 1e-9)
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewWebhookSink(WebhookConfig{URL: "  "}, nil, nil)
	require.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, 300*time.Millisecond)
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, p.ShouldRetry(permanentError{err: http.ErrHandlerTimeout}, 1))
	require.True(t, p.ShouldRetry(http.ErrHandlerTimeout, 1))
	require.False(t, p.ShouldRetry(http.ErrHandlerTimeout, 3))
	require.True(t, p.ShouldRetry(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, 1))
	require.True(t, p.ShouldRetry(&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, 1))
	require.False(t, p.ShouldRetry(&net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "hooks.invalid", IsNotFound: true}}, 1))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.LessOrEqual(t, d, 300*time.Millisecond)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
	}
}
