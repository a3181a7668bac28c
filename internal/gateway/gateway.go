// Package gateway is the single door to a paced, rate-limited HTTP API.
//
// A Gateway serializes request starts through an adaptive pacer, caps
// in-flight calls with a semaphore, retries rate limits and transient
// failures with exponential backoff, and caches successful GETs.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
	"github.com/mcoot/clanharvest/internal/metrics"
)

// Options configures a Gateway. Start from DefaultOptions.
type Options struct {
	// Name labels metrics and logs, e.g. "wom" or "discord"
	Name    string
	BaseURL string
	Headers map[string]string

	Policy Policy

	// Pacing between request starts; MinDelay is also the floor for decay
	MinDelay time.Duration
	MaxDelay time.Duration

	// More than RejectionThreshold 429s inside RejectionWindow slows pacing down
	RejectionWindow    time.Duration
	RejectionThreshold int

	MaxConcurrent int

	// CacheTTL of zero disables the response cache
	CacheTTL  time.Duration
	CacheSize int

	// CallTimeout bounds a whole Do call including retries; zero means no bound
	CallTimeout time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
	Sleep      clock.Sleeper
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// DefaultOptions returns the pacing, retry and cache settings the stats
// provider expects
func DefaultOptions() Options {
	return Options{
		Name:               "upstream",
		Policy:             DefaultPolicy(),
		MinDelay:           670 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		RejectionWindow:    5 * time.Minute,
		RejectionThreshold: 3,
		MaxConcurrent:      2,
		CacheTTL:           5 * time.Minute,
		CacheSize:          1000,
	}
}

// Request is one logical call. Path is joined to the base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any // JSON-encoded when non-nil
	NoCache bool
}

// Stats is a point-in-time view of gateway state
type Stats struct {
	Delay            time.Duration
	RecentRateLimits int
	CachedResponses  int
}

// Gateway executes requests against one upstream
type Gateway struct {
	opts   Options
	client *http.Client
	sem    *semaphore.Weighted
	pacer  *pacer
	cache  *responseCache
	logger *slog.Logger
}

// New creates a Gateway, filling unset collaborators with real implementations
func New(opts Options) *Gateway {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sleep == nil {
		opts.Sleep = clock.Sleep
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	g := &Gateway{
		opts:   opts,
		client: client,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		pacer:  newPacer(opts.Clock, opts.MinDelay, opts.MaxDelay, opts.RejectionWindow, opts.RejectionThreshold),
		logger: opts.Logger.With(slog.String("upstream", opts.Name)),
	}
	if opts.CacheTTL > 0 {
		g.cache = newResponseCache(opts.Clock, opts.CacheTTL, opts.CacheSize)
	}
	opts.Metrics.GatewayDelay.WithLabelValues(opts.Name).Set(opts.MinDelay.Seconds())
	return g
}

// Delay is the current pause between request starts
func (g *Gateway) Delay() time.Duration {
	return g.pacer.current()
}

// Stats reports the current pacing delay, 429s in the window and cache size
func (g *Gateway) Stats() Stats {
	s := Stats{
		Delay:            g.pacer.current(),
		RecentRateLimits: g.pacer.recentRejections(),
	}
	if g.cache != nil {
		s.CachedResponses = g.cache.size()
	}
	return s
}

// GetJSON performs a cached GET and decodes the response into out
func (g *Gateway) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := g.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return decode(body, out)
}

// PostJSON sends body as JSON and decodes the response into out when out is non-nil
func (g *Gateway) PostJSON(ctx context.Context, path string, body, out any) error {
	resp, err := g.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func cacheKey(req Request) string {
	if len(req.Query) == 0 {
		return req.Path
	}
	return req.Path + "?" + req.Query.Encode()
}

// Do runs req with pacing, retries and caching and returns the response body
func (g *Gateway) Do(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	cacheable := g.cache != nil && req.Method == http.MethodGet && !req.NoCache
	key := cacheKey(req)
	if cacheable {
		if body, ok := g.cache.get(key); ok {
			g.opts.Metrics.GatewayCache.WithLabelValues(g.opts.Name, "hit").Inc()
			return body, nil
		}
		g.opts.Metrics.GatewayCache.WithLabelValues(g.opts.Name, "miss").Inc()
	}

	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	if g.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.CallTimeout)
		defer cancel()
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	policy := g.opts.Policy
	waits := policy.newRetryWaits()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := g.pacer.wait(ctx); err != nil {
			return nil, err
		}

		status, body, header, err := g.send(ctx, req, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.observe(false, "network_error")
			apiErr := newAPIError(ErrTransient, req.Method, req.Path, 0, nil)
			apiErr.cause = err
			lastErr = apiErr
			if err := g.backoff(ctx, attempt, "network_error", waits.TransientWait(), lastErr); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			g.observe(false, "ok")
			if cacheable {
				g.cache.put(key, body)
			}
			return body, nil

		case status == http.StatusTooManyRequests:
			delay := g.observe(true, "rate_limited")
			g.opts.Metrics.GatewayRateLimited.WithLabelValues(g.opts.Name).Inc()
			lastErr = newAPIError(ErrRateLimited, req.Method, req.Path, status, body)
			wait := min(max(waits.RateLimitWait(), parseRetryAfter(header.Get("Retry-After"))), policy.RateLimitMax)
			if err := g.backoff(ctx, attempt, "rate_limited", max(wait, delay), lastErr); err != nil {
				return nil, err
			}

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			g.observe(false, "auth_error")
			return nil, newAPIError(ErrAuth, req.Method, req.Path, status, body)

		case status >= 500:
			g.observe(false, "server_error")
			lastErr = newAPIError(ErrTransient, req.Method, req.Path, status, body)
			if err := g.backoff(ctx, attempt, "server_error", waits.TransientWait(), lastErr); err != nil {
				return nil, err
			}

		default:
			g.observe(false, "client_error")
			return nil, newAPIError(ErrClient, req.Method, req.Path, status, body)
		}
	}

	g.logger.Error("giving up on upstream request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("attempts", policy.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return nil, lastErr
}

// observe feeds the pacer and records the attempt outcome
func (g *Gateway) observe(rateLimited bool, outcome string) time.Duration {
	delay := g.pacer.record(rateLimited)
	g.opts.Metrics.GatewayRequests.WithLabelValues(g.opts.Name, outcome).Inc()
	g.opts.Metrics.GatewayDelay.WithLabelValues(g.opts.Name).Set(delay.Seconds())
	return delay
}

// backoff sleeps before the next attempt; after the final attempt it returns at once
func (g *Gateway) backoff(ctx context.Context, attempt int, reason string, wait time.Duration, cause error) error {
	if attempt+1 >= g.opts.Policy.MaxAttempts {
		return nil
	}
	g.opts.Metrics.GatewayRetries.WithLabelValues(g.opts.Name, reason).Inc()
	g.logger.Warn("retrying upstream request",
		slog.String("reason", reason),
		slog.Int("attempt", attempt+1),
		slog.Duration("wait", wait),
		slog.String("error", cause.Error()),
	)
	return g.opts.Sleep(ctx, wait)
}

// send performs one HTTP exchange bounded by the per-attempt timeout
func (g *Gateway) send(ctx context.Context, req Request, payload []byte) (int, []byte, http.Header, error) {
	if g.opts.Policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Policy.RequestTimeout)
		defer cancel()
	}

	target := strings.TrimRight(g.opts.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range g.opts.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

// IsFatal reports whether err should abort a whole harvest run
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth)
}
