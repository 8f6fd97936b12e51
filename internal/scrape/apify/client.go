// Package apify implements listing.JobClient against the Apify REST API v2.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"go.uber.org/zap"
)

// Defaults for the public Apify endpoint and the Facebook groups actor.
const (
	DefaultBaseURL = "https://api.apify.com"
	DefaultActorID = "apify~facebook-groups-scraper"
)

// maxErrorBody caps how much of a failed response is echoed into errors.
const maxErrorBody = 512

// Waiter paces outbound calls.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures the Apify client.
type Config struct {
	BaseURL string
	Token   string
	ActorID string
	Timeout time.Duration
}

// Client talks to Apify. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter paces every outbound request through w.
func WithLimiter(w Waiter) Option {
	return func(c *Client) {
		c.limiter = w
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client. An empty token is accepted here; every call then fails
// with listing.ErrMissingCredential.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActorID == "" {
		cfg.ActorID = DefaultActorID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		DefaultDatasetID string `json:"defaultDatasetId"`
		Status           string `json:"status"`
	} `json:"data"`
}

// Start launches the configured actor with params as its input.
func (c *Client) Start(ctx context.Context, params listing.ScrapeParams) (listing.JobRun, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return listing.JobRun{}, fmt.Errorf("encode actor input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs", c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID))

	var env runEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, body, &env); err != nil {
		return listing.JobRun{}, fmt.Errorf("start actor %s: %w", c.cfg.ActorID, err)
	}
	if env.Data.ID == "" {
		return listing.JobRun{}, fmt.Errorf("start actor %s: response missing run id", c.cfg.ActorID)
	}
	c.logger.Debug("actor run created", zap.String("run_id", env.Data.ID), zap.String("status", env.Data.Status))
	return listing.JobRun{RunID: env.Data.ID, DatasetID: env.Data.DefaultDatasetID}, nil
}

// Status returns the normalized state of runID.
func (c *Client) Status(ctx context.Context, runID string) (listing.JobStatus, error) {
	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s", c.cfg.BaseURL, url.PathEscape(runID))

	var env runEnvelope
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &env); err != nil {
		return "", fmt.Errorf("get run %s: %w", runID, err)
	}
	return MapStatus(env.Data.Status), nil
}

// FetchResults downloads every item of datasetID.
func (c *Client) FetchResults(ctx context.Context, datasetID string) ([]listing.RawItem, error) {
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?format=json&clean=true", c.cfg.BaseURL, url.PathEscape(datasetID))

	var items []listing.RawItem
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
		return nil, fmt.Errorf("get dataset %s items: %w", datasetID, err)
	}
	return items, nil
}

// MapStatus folds Apify run states onto listing.JobStatus. Transitional and
// unknown states are reported as running.
func MapStatus(status string) listing.JobStatus {
	switch strings.ToUpper(status) {
	case "SUCCEEDED":
		return listing.JobSucceeded
	case "FAILED":
		return listing.JobFailed
	case "ABORTED":
		return listing.JobAborted
	case "TIMED-OUT", "TIMED_OUT":
		return listing.JobTimedOut
	default:
		return listing.JobRunning
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if c.cfg.Token == "" {
		return listing.ErrMissingCredential
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
