package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/logging"
	"github.com/meteoflow/weather-dl/internal/store"
)

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	// Timeout for a single request attempt.
	Timeout time.Duration

	// MaxElapsed bounds the total retry window for one retrieval.
	MaxElapsed time.Duration

	// RequestsPerSecond limits outgoing requests; providers enforce
	// per-credential quotas. Zero means unlimited.
	RequestsPerSecond float64
}

// DefaultHTTPOptions returns options with sensible defaults.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Timeout:           10 * time.Minute,
		MaxElapsed:        30 * time.Minute,
		RequestsPerSecond: 1,
	}
}

// RequestError is a non-retryable rejection from the provider.
type RequestError struct {
	StatusCode int
	Status     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Status)
}

// HTTPClient retrieves selections from a Climate-Data-Store-style HTTP API.
// The API endpoint and credentials come from the configuration's parameters
// section (api_url, api_key).
type HTTPClient struct {
	apiURL  string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	opts    HTTPOptions
}

// NewHTTPClient builds an HTTP client from the run's configuration.
func NewHTTPClient(cfg *config.Config, opts HTTPOptions) (*HTTPClient, error) {
	apiURL := cfg.Parameters.Extra["api_url"]
	if apiURL == "" {
		return nil, fmt.Errorf("%w: parameters.api_url is required for the cds client", config.ErrInvalidConfig)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	transport := &http.Transport{
		// gzip is handled below with klauspost so large responses can be
		// decompressed while streaming to disk.
		DisableCompression: true,
		IdleConnTimeout:    90 * time.Second,
	}

	return &HTTPClient{
		apiURL: apiURL,
		apiKey: cfg.Parameters.Extra["api_key"],
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
	}, nil
}

// Retrieve submits the selection request and downloads the resulting artifact
// into destPath. Transient failures (network errors, 5xx, 429) are retried
// with exponential backoff; other rejections fail immediately.
func (c *HTTPClient) Retrieve(ctx context.Context, dataset string, selection map[string][]string, destPath string) error {
	log := logging.Component("client").With("dataset", dataset)

	body, err := json.Marshal(map[string]any{
		"dataset":   dataset,
		"selection": selection,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(c.opts.MaxElapsed),
	), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			log.Warn("retrying retrieval", "attempt", attempt)
		}
		return c.download(ctx, bytes.NewReader(body), destPath)
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("retrieve %s: %w", dataset, err)
	}
	return nil
}

// download performs one request attempt and streams the response to destPath.
func (c *HTTPClient) download(ctx context.Context, body io.Reader, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err // network errors are retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("transient provider error: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backoff.Permanent(&RequestError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	var src io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	f, err := os.Create(destPath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create %s: %w", destPath, err))
	}

	if err := store.CopyChunked(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return f.Close()
}

// IsRejection reports whether an error from Retrieve was a definitive
// provider rejection rather than an exhausted transient failure.
func IsRejection(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

// Verify both clients implement Client.
var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)
