package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/notify"
)

// WebhookConfig configures outbound HTTP delivery.
type WebhookConfig struct {
	// URL receives one POST per terminal outcome.
	URL string
	// TestURL receives SendTest requests; defaults to URL.
	TestURL string
	// Timeout bounds a single POST (default 60s).
	Timeout time.Duration
	// MaxAttempts bounds retries per event (default 3).
	MaxAttempts int
	// UserAgent is sent with each request.
	UserAgent string
}

// WebhookSink POSTs outcome payloads as JSON. Each request carries an
// Idempotency-Key equal to the job id.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	retry  *RetryPolicy
	logger *zap.Logger
}

// NewWebhookSink validates cfg and builds a sink. A nil client gets a
// dedicated http.Client with cfg.Timeout.
func NewWebhookSink(cfg WebhookConfig, client *http.Client, logger *zap.Logger) (*WebhookSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.TestURL == "" {
		cfg.TestURL = cfg.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scrapefleet-notifier/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		cfg:    cfg,
		client: client,
		retry:  NewRetryPolicy(cfg.MaxAttempts, 0, 0),
		logger: logger.Named("webhook"),
	}, nil
}

// Consume delivers each event, retrying transient failures. Errors for
// individual events are joined; delivery of the rest continues.
func (s *WebhookSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := s.deliver(ctx, evt); err != nil {
			s.logger.Warn("webhook delivery failed", zap.Int64("job_id", evt.Outcome.JobID), zap.Error(err))
			errs = append(errs, fmt.Errorf("job %d: %w", evt.Outcome.JobID, err))
			continue
		}
		s.logger.Debug("webhook delivered", zap.Int64("job_id", evt.Outcome.JobID), zap.String("event_id", evt.ID))
	}
	return errors.Join(errs...)
}

// Close implements notify.Sink; it performs no action.
func (s *WebhookSink) Close(context.Context) error {
	return nil
}

// SendTest posts a fixed test document to the test URL.
func (s *WebhookSink) SendTest(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{"status_code": http.StatusOK, "message": "Test successful"})
	if err != nil {
		return fmt.Errorf("marshal test payload: %w", err)
	}
	return s.post(ctx, s.cfg.TestURL, body, map[string]string{"X-Scrapefleet-Test": "true"})
}

func (s *WebhookSink) deliver(ctx context.Context, evt notify.Event) error {
	body, err := json.Marshal(notify.PayloadOf(evt))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	headers := map[string]string{
		"Idempotency-Key": strconv.FormatInt(evt.Outcome.JobID, 10),
		"X-Event-ID":      evt.ID,
	}
	for attempt := 0; ; attempt++ {
		err = s.post(ctx, s.cfg.URL, body, headers)
		if err == nil {
			return nil
		}
		if !s.retry.ShouldRetry(err, attempt+1) {
			return err
		}
		if waitErr := sleepCtx(ctx, s.retry.Backoff(attempt)); waitErr != nil {
			return fmt.Errorf("%w (retry wait: %v)", err, waitErr)
		}
	}
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	default:
		return permanentError{fmt.Errorf("webhook responded %d", resp.StatusCode)}
	}
}
