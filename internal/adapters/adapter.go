package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Shared HTTP client for external collaborators (report, price, buy, notify)
// ---------------------------------------------------------------------------

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// HTTPConfig configures one collaborator's HTTP client.
type HTTPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// StatusError is returned for a non-2xx response that is not retried.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Code, body)
}

// Client performs rate-safe, retried HTTP calls with a circuit breaker.
type Client struct {
	name       string
	config     HTTPConfig
	httpClient *http.Client

	requestCount atomic.Int64
	errorCount   atomic.Int64
	latencySum   atomic.Int64 // cumulative milliseconds

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewClient creates a client for the named service.
func NewClient(name string, config HTTPConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		name:       name,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Do sends a request to BaseURL+path. Transport errors, 429 and 5xx are
// retried with exponential backoff; other non-2xx responses return a
// *StatusError immediately.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) ([]byte, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("%s: circuit breaker open", c.name)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("%s: create request: %w", c.name, withoutURL(err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%s: HTTP error: %s: %w", c.name, method, withoutURL(err))
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Milliseconds())
		if err != nil {
			lastErr = fmt.Errorf("%s: read response: %w", c.name, err)
			c.recordError()
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%s: rate limited (429)", c.name)
			c.errorCount.Add(1)
			continue
		case resp.StatusCode >= 500:
			lastErr = &StatusError{Service: c.name, Code: resp.StatusCode, Body: string(respBody)}
			c.recordError()
			continue
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			c.errorCount.Add(1)
			return nil, &StatusError{Service: c.name, Code: resp.StatusCode, Body: string(respBody)}
		}

		c.consecutiveErrors.Store(0)
		return respBody, nil
	}

	return nil, fmt.Errorf("%s: failed after %d attempts: %w", c.name, c.config.MaxRetries+1, lastErr)
}

// withoutURL drops the request URL from transport errors. Some services
// carry credentials in the path.
func withoutURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func (c *Client) recordError() {
	c.errorCount.Add(1)
	count := c.consecutiveErrors.Add(1)
	if count < circuitBreakerThreshold {
		return
	}
	if c.circuitOpen.CompareAndSwap(false, true) {
		log.Error().Str("service", c.name).Int64("errors", count).Msg("adapters: circuit breaker open")
		time.AfterFunc(circuitBreakerCooldown, func() {
			c.circuitOpen.Store(false)
			c.consecutiveErrors.Store(0)
			log.Info().Str("service", c.name).Msg("adapters: circuit breaker reset")
		})
	}
}

// ClientStats reports per-service HTTP counters.
type ClientStats struct {
	Service      string `json:"service"`
	RequestCount int64  `json:"request_count"`
	ErrorCount   int64  `json:"error_count"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
	CircuitOpen  bool   `json:"circuit_open"`
}

func (c *Client) Stats() ClientStats {
	reqs := c.requestCount.Load()
	avg := int64(0)
	if reqs > 0 {
		avg = c.latencySum.Load() / reqs
	}
	return ClientStats{
		Service:      c.name,
		RequestCount: reqs,
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: avg,
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
