package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrapefleet/internal/fleet"
)

const maxErrorBody = 4 << 10

// ClientConfig points the client at the coordination server.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each request when the caller supplies no http.Client.
	Timeout time.Duration
}

// Client talks to the coordination server's /v1 API.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

var _ Server = (*Client)(nil)

// Assignment is a claimed job and, when the server could resolve it, the
// area it covers.
type Assignment struct {
	Job  fleet.ScrapeJob `json:"job"`
	Area *fleet.AreaPath `json:"area,omitempty"`
	// RetryAfter is the server's back-off hint when no job was assigned.
	RetryAfter time.Duration `json:"-"`
}

// Completion is what a worker reports for a successful scrape.
type Completion struct {
	WorkerID   uuid.UUID
	Businesses []fleet.BusinessRecord
	Logs       map[string]any
}

// StatusError is a non-2xx answer from the server. It unwraps to the
// matching fleet error so callers can use errors.Is.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap maps the HTTP status back onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return fleet.ErrValidation
	case http.StatusForbidden:
		return fleet.ErrNotOwner
	case http.StatusNotFound:
		return fleet.ErrNotFound
	case http.StatusConflict:
		if e.RetryAfter > 0 {
			return fleet.ErrWorkerNotEligible
		}
		return fleet.ErrInvalidTransition
	case http.StatusBadGateway:
		return fleet.ErrDiscovery
	case http.StatusServiceUnavailable:
		return fleet.ErrStoreUnavailable
	default:
		return nil
	}
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, apiKey: cfg.APIKey, http: httpClient}, nil
}

// Heartbeat reports the worker's status.
func (c *Client) Heartbeat(ctx context.Context, workerID uuid.UUID, status fleet.AdminStatus) error {
	body := map[string]string{"status": string(status)}
	_, _, err := c.do(ctx, http.MethodPost, "/v1/workers/"+workerID.String()+"/heartbeat", body, nil)
	return err
}

// Assign asks the server for the next job. ok is false when none is pending.
func (c *Client) Assign(ctx context.Context, workerID uuid.UUID) (Assignment, bool, error) {
	var out Assignment
	status, header, err := c.do(ctx, http.MethodPost, "/v1/workers/"+workerID.String()+"/assign", nil, &out)
	if err != nil {
		return Assignment{}, false, err
	}
	if status == http.StatusNoContent {
		return Assignment{RetryAfter: parseRetryAfter(header.Get("Retry-After"))}, false, nil
	}
	return out, true, nil
}

// Complete reports a successful scrape. Records that carry their original
// JSON are sent verbatim so the server archives everything the scraper saw.
func (c *Client) Complete(ctx context.Context, jobID int64, report Completion) error {
	records := make([]json.RawMessage, 0, len(report.Businesses))
	for i, rec := range report.Businesses {
		if len(rec.Raw) > 0 {
			records = append(records, rec.Raw)
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode business %d: %w", i, err)
		}
		records = append(records, raw)
	}
	body := map[string]any{
		"worker_id":  report.WorkerID,
		"businesses": records,
		"logs":       report.Logs,
	}
	_, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/complete", jobID), body, nil)
	return err
}

// Fail reports a failed scrape.
func (c *Client) Fail(ctx context.Context, jobID int64, workerID uuid.UUID, message string) error {
	body := map[string]any{"worker_id": workerID, "error_message": message}
	_, _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/fail", jobID), body, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, http.Header, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, resp.Header, decodeStatusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, resp.Header, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, resp.Header, nil
}

func decodeStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	statusErr := &StatusError{Code: resp.StatusCode}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		statusErr.Message = payload.Error
	} else {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	statusErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	if statusErr.RetryAfter == 0 && payload.RetryAfter > 0 {
		statusErr.RetryAfter = time.Duration(payload.RetryAfter) * time.Second
	}
	return statusErr
}

// parseRetryAfter reads a delay-seconds Retry-After value.
func parseRetryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryAfter extracts a server back-off hint from err.
func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}
