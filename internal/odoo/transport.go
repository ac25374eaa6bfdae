package odoo

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// TransportConfig configures the HTTP layer under the JSON-RPC client.
//
// Zero values are given sensible defaults:
//   - Timeout:        60s
//   - InitialBackoff: 500ms
//   - MaxBackoff:     10s
//
// MaxRetries=0 means only the initial attempt.
type TransportConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond caps the call rate to the server; 0 is unlimited.
	RequestsPerSecond float64

	// InsecureSkipVerify disables TLS certificate verification, for
	// self-hosted instances with self-signed certificates.
	InsecureSkipVerify bool

	// Transport is an optional custom RoundTripper.
	Transport http.RoundTripper
}

// transport posts request bodies with retry, backoff and rate limiting.
type transport struct {
	httpClient     *http.Client
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter

	// sleep is injectable to make tests fast and deterministic.
	sleep func(time.Duration)
}

func newTransport(cfg TransportConfig) *transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	rt := cfg.Transport
	if rt == nil {
		rt = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
		}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &transport{
		httpClient:     &http.Client{Timeout: cfg.Timeout, Transport: rt},
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		limiter:        rate.NewLimiter(limit, 1),
		sleep:          time.Sleep,
	}
}

// post sends body to url as JSON and returns the response body. Transport
// errors, 429 and 5xx are retried; any other non-2xx status is final.
func (t *transport) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	attempts := t.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("odoo: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			data, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			switch {
			case isRetryableStatus(resp.StatusCode):
				lastErr = fmt.Errorf("odoo: retryable status %d from %s", resp.StatusCode, url)
			case resp.StatusCode < 200 || resp.StatusCode > 299:
				return nil, fmt.Errorf("odoo: status %d from %s: %s", resp.StatusCode, url, snippet(data))
			case rerr != nil:
				lastErr = fmt.Errorf("odoo: read response: %w", rerr)
			default:
				return data, nil
			}
		}

		if attempt+1 >= attempts {
			return nil, lastErr
		}
		if err := sleepWithContext(ctx, t.sleep, backoffDuration(t.initialBackoff, attempt, t.maxBackoff)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// isRetryableStatus treats 5xx and 429 as transient.
func isRetryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// backoffDuration returns initial * 2^attempt, clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 0 {
		return min(initial, max)
	}
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

// sleepWithContext waits d, aborting early if ctx is canceled.
func sleepWithContext(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
