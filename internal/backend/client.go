// Package backend is the client side of the external crawl engine: job
// submission and status polling.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// JobState is the lifecycle state reported by the crawl engine.
type JobState string

// Job states.
const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobRequest is the dispatch payload for one scheduled run.
type JobRequest struct {
	Domains            []string `json:"domains"`
	MaxArticlesPerSite int      `json:"max_articles_per_site"`
	ConcurrentSites    int      `json:"concurrent_sites"`
	Strategy           string   `json:"strategy"`
	EnableAI           bool     `json:"enable_ai"`
	TimeoutSeconds     int      `json:"timeout_seconds"`
	ScheduleName       string   `json:"schedule_name"`
	Priority           int      `json:"priority"`
	MaxSites           int      `json:"max_sites"`
	// ProxyURL and UserAgent carry the governor's egress and identity
	// selections; empty values let the engine use its own defaults.
	ProxyURL  string `json:"proxy_url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// JobRef identifies a submitted job.
type JobRef struct {
	JobID string `json:"job_id"`
}

// JobResult carries the engine's reported outcome. ArticlesIngested is a
// pointer because the engine may omit it, which callers must treat as
// unknown rather than zero.
type JobResult struct {
	ArticlesIngested *int `json:"articles_ingested,omitempty"`
	Domains          int  `json:"domains"`
	// PaywalledDomains lists domains the engine flagged as paywalled during
	// the job, feeding the cross-fetch consensus.
	PaywalledDomains []string `json:"paywalled_domains,omitempty"`
}

// JobStatus is one poll answer.
type JobStatus struct {
	Status JobState   `json:"status"`
	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Terminal reports whether the status ends polling.
func (s JobStatus) Terminal() bool {
	return s.Status == JobCompleted || s.Status == JobFailed
}

// Client talks to the crawl engine.
type Client interface {
	Submit(ctx context.Context, req JobRequest) (JobRef, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// Config controls the HTTP client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPClient is the production Client.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: retries,
		logger:     logger,
	}, nil
}

// Submit implements Client.
func (c *HTTPClient) Submit(ctx context.Context, req JobRequest) (JobRef, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return JobRef{}, fmt.Errorf("marshal job request: %w", err)
	}
	var ref JobRef
	err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/crawl/jobs", body, &ref)
	if err != nil {
		return JobRef{}, fmt.Errorf("submit job for %q: %w", req.ScheduleName, err)
	}
	if ref.JobID == "" {
		return JobRef{}, fmt.Errorf("submit job for %q: engine returned no job id", req.ScheduleName)
	}
	return ref, nil
}

// Status implements Client.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/api/v1/crawl/jobs/"+jobID, nil, &status)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	return status, nil
}

// doJSON performs the request with bounded retries on transient failures.
func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			c.logger.Debug("retrying backend call",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = c.decode(resp, out)
		if lastErr == nil {
			return nil
		}
		if !retryableStatus(resp.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

func (c *HTTPClient) decode(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// NopClient fakes the engine for dry runs and tests: every submission
// completes immediately with no ingested-count report.
type NopClient struct{}

// Submit implements Client.
func (NopClient) Submit(_ context.Context, req JobRequest) (JobRef, error) {
	return JobRef{JobID: "dry-" + req.ScheduleName}, nil
}

// Status implements Client.
func (NopClient) Status(context.Context, string) (JobStatus, error) {
	return JobStatus{Status: JobCompleted}, nil
}
