// Package transport wraps net/http with the outbound policies every ACME
// call needs: per-request timeouts, retry with exponential back-off, a
// token-bucket rate limiter per destination host, a cap on in-flight
// requests per host, and a middleware chain for request/response hooks.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ACME clients MUST send a User-Agent header field (RFC 8555 section 6.1).
const defaultUserAgent = "certinpieces/1.0 (+https://github.com/caasmo/certinpieces)"

// Middleware observes requests as they pass through the client. Hooks run
// in registration order; a Before error aborts the request.
type Middleware interface {
	Before(ctx context.Context, method, url string) error
	After(ctx context.Context, url string, resp *http.Response) error
	OnError(ctx context.Context, url string, err error)
}

// Options tune a Client. The zero value is completed by defaults().
type Options struct {
	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
	// MaxAttempts is the total number of tries per request (first try
	// included).
	MaxAttempts int
	// InitialBackoff and MaxBackoff shape the retry delay curve
	// (doubling per attempt).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RateBurst tokens per host, refilled at RatePerSecond.
	RateBurst     int
	RatePerSecond float64
	// MaxInflightPerHost caps concurrent requests to one host.
	MaxInflightPerHost int64
	UserAgent          string
}

func (o Options) defaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 10
	}
	if o.MaxInflightPerHost <= 0 {
		o.MaxInflightPerHost = 10
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	return o
}

type hostState struct {
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

// Client is a retrying, rate-limited HTTP client. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	opts       Options
	logger     *slog.Logger

	mu          sync.Mutex
	hosts       map[string]*hostState
	middlewares []Middleware
}

// NewClient builds a Client around httpClient (nil means a fresh
// http.Client).
func NewClient(httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		opts:       opts.defaults(),
		logger:     logger.With("component", "transport"),
		hosts:      make(map[string]*hostState),
	}
}

// Use appends a middleware to the chain.
func (c *Client) Use(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, m)
}

func (c *Client) host(rawURL string) *hostState {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.hosts[host]
	if !ok {
		hs = &hostState{
			limiter:  rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), c.opts.RateBurst),
			inflight: semaphore.NewWeighted(c.opts.MaxInflightPerHost),
		}
		c.hosts[host] = hs
	}
	return hs
}

// Get issues a GET request under the client's policies.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

// Head issues a HEAD request; used to mint nonces.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	return c.do(ctx, http.MethodHead, url, "", nil)
}

// Post issues a POST with the given content type and body. The body is a
// byte slice rather than a reader so retries can resend it.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, url, contentType, body)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, error) {
	hs := c.host(url)

	if err := hs.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("transport: waiting for in-flight slot: %w", err)
	}
	defer hs.inflight.Release(1)

	c.mu.Lock()
	mws := make([]Middleware, len(c.middlewares))
	copy(mws, c.middlewares)
	c.mu.Unlock()

	for _, m := range mws {
		if err := m.Before(ctx, method, url); err != nil {
			return nil, fmt.Errorf("transport: middleware rejected request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	var resp *http.Response
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := hs.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("transport: rate limiter wait: %w", err)
		}

		resp, lastErr = c.once(ctx, method, url, contentType, body)
		if lastErr == nil && !retryableStatus(resp.StatusCode) {
			for _, m := range mws {
				if err := m.After(ctx, url, resp); err != nil {
					drainAndClose(resp)
					return nil, fmt.Errorf("transport: middleware rejected response: %w", err)
				}
			}
			return resp, nil
		}

		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if lastErr == nil {
			// Honor the server's Retry-After on 429 and 503.
			if ra := retryAfter(resp); ra > 0 {
				delay = ra
			}
			c.logger.Warn("retrying request",
				"method", method, "url", url,
				"status", resp.StatusCode, "attempt", attempt, "delay", delay)
			drainAndClose(resp)
		} else {
			c.logger.Warn("retrying request after network error",
				"method", method, "url", url,
				"error", lastErr, "attempt", attempt, "delay", delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if lastErr != nil {
		for _, m := range mws {
			m.OnError(ctx, url, lastErr)
		}
		return nil, fmt.Errorf("transport: %s %s failed after %d attempts: %w",
			method, url, c.opts.MaxAttempts, lastErr)
	}
	// Exhausted retries on a retryable status; hand the final response to
	// the caller so it can parse the problem document.
	return resp, nil
}

func (c *Client) once(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// Tie the timeout cancel to body consumption.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// retryableStatus implements the retry policy: all 5xx plus 429. Other 4xx
// are surfaced immediately.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// RetryAfter parses a Retry-After header as either delta-seconds or an
// HTTP date. Zero means no usable header.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	return RetryAfter(resp.Header)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
