// Package httpretry wraps an HTTP client with bounded retries, exponential
// backoff and full jitter.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Doer executes HTTP requests. *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries 429 and 5xx gateway responses and transport errors.
// Client errors and context cancellation are returned immediately.
type Client struct {
	doer       Doer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithBackoff sets the base and maximum backoff delays.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.baseDelay = base
		}
		if max >= base {
			c.maxDelay = max
		}
	}
}

// New wraps doer. A nil doer gets an http.Client with a 10s timeout;
// maxRetries <= 0 means 3.
func New(doer Doer, maxRetries int, opts ...Option) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	c := &Client{
		doer:       doer,
		maxRetries: maxRetries,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req, retrying as described on Client. The last retryable
// response is returned as-is so callers can inspect it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := c.delay(attempt)
			logger.Debug("retrying request",
				"component", "httpretry",
				"attempt", attempt,
				"method", req.Method,
				"path", req.URL.Path,
				"delay", delay.String(),
			)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		resp, err := c.doer.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}
	return nil, lastErr
}

// delay is random(0, min(maxDelay, baseDelay*2^(attempt-1))), floored at a
// tenth of baseDelay.
func (c *Client) delay(attempt int) time.Duration {
	exp := math.Min(float64(c.baseDelay)*math.Pow(2, float64(attempt-1)), float64(c.maxDelay))
	d := time.Duration(rand.Float64() * exp)
	if floor := c.baseDelay / 10; d < floor {
		d = floor
	}
	return d
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
