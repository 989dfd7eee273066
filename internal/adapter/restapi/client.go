// Package restapi is the HTTP client for the leads enrichment API.
package restapi

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
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cwygoda/enrichwatch/internal/domain"
	"github.com/cwygoda/enrichwatch/internal/monitoring"
)

var (
	_ domain.EnrichmentAPI = (*Client)(nil)
	_ domain.JobAPI        = (*Client)(nil)
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// Operation names, used in errors and metric labels.
const (
	opQueueStatus = "queue_status"
	opFailedItems = "failed_items"
	opRetryItems  = "retry_items"
	opGetJob      = "get_job"
	opListJobs    = "list_jobs"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Unwrap maps the status to a domain error.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound && e.Op == opGetJob {
		return domain.ErrJobNotFound
	}
	return domain.ErrTransport
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RPS limits outgoing requests per second. Zero disables limiting.
	RPS   float64
	Burst int
}

// Client implements domain.EnrichmentAPI and domain.JobAPI.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// New creates a Client for the API rooted at opts.BaseURL.
func New(opts Options, logger *logrus.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		base:    base,
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		log:     logger.WithField("component", "restapi"),
	}, nil
}

type queueStatusResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

type failedItemsResponse struct {
	Items []domain.FailedItem `json:"items"`
}

type retryRequest struct {
	IDs []string `json:"ids"`
}

type jobsResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

// QueueStatus fetches aggregate enrichment counts.
func (c *Client) QueueStatus(ctx context.Context) (domain.QueueSnapshot, error) {
	var resp queueStatusResponse
	if err := c.do(ctx, opQueueStatus, http.MethodGet, "/enrichment/queue/status", nil, nil, &resp); err != nil {
		return domain.QueueSnapshot{}, err
	}
	return domain.QueueSnapshot(resp), nil
}

// FailedItems lists up to limit failed items.
func (c *Client) FailedItems(ctx context.Context, limit int) ([]domain.FailedItem, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp failedItemsResponse
	if err := c.do(ctx, opFailedItems, http.MethodGet, "/enrichment/queue/failed", query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		return []domain.FailedItem{}, nil
	}
	return resp.Items, nil
}

// RetryItems submits ids in one request.
func (c *Client) RetryItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return domain.ErrNoItems
	}
	return c.do(ctx, opRetryItems, http.MethodPost, "/enrichment/retry", nil, retryRequest{IDs: ids}, nil)
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := c.do(ctx, opGetJob, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs fetches all jobs.
func (c *Client) ListJobs(ctx context.Context) ([]domain.Job, error) {
	var resp jobsResponse
	if err := c.do(ctx, opListJobs, http.MethodGet, "/jobs", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Jobs == nil {
		return []domain.Job{}, nil
	}
	return resp.Jobs, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		monitoring.RecordAPIRequest(op, "error", time.Since(start).Seconds())
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	monitoring.RecordAPIRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	c.log.WithFields(logrus.Fields{
		"op":         op,
		"status":     resp.StatusCode,
		"request_id": requestID,
		"duration":   time.Since(start),
	}).Debug("API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: empty response: %w", op, domain.ErrTransport)
		}
		return fmt.Errorf("%s: decode response: %w: %v", op, domain.ErrTransport, err)
	}
	return nil
}
