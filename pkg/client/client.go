// Package client provides the resilient HTTP transport used for every remote
// directory call: bounded retries with exponential backoff on transient failures,
// optional request pacing, and an optional conditional-request cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/contact-enricher/pkg/cache"
	"github.com/Sternrassler/contact-enricher/pkg/logging"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_http_requests_total",
		Help: "Total HTTP attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enricher_http_request_duration_seconds",
		Help:    "HTTP attempt duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_http_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enricher_http_retry_backoff_seconds",
		Help:    "Backoff duration before a retry by error class",
		Buckets: []float64{0.1, 0.3, 0.6, 1.2, 2.4, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_http_retry_exhausted_total",
		Help: "Total number of requests that used up the retry budget by error class",
	}, []string{"error_class"})
)

const maxBodyBytes = 8 << 20

// Cache is the conditional-request store used by GetCached.
type Cache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry) error
}

// Config holds the transport configuration.
type Config struct {
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration

	// Retry is the retry/backoff policy.
	Retry RetryConfig

	// RequestsPerSecond paces attempts across the whole transport. <= 0 disables pacing.
	RequestsPerSecond float64

	// UserAgent is sent on every request (GitHub rejects requests without one).
	UserAgent string

	// Cache enables conditional requests in GetCached. Nil disables caching.
	Cache Cache

	// CacheTTL is how long a stored entry is kept.
	CacheTTL time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
		UserAgent: "contact-enricher/1.0",
		CacheTTL:  24 * time.Hour,
		Logger:    logging.NewLogger("transport"),
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is set when a 304 was answered from the cache.
	FromCache bool
}

// OK reports a 200 status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode == http.StatusOK
}

// Transport issues GET requests with bounded retry.
type Transport struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      Cache
	config     Config
	logger     zerolog.Logger
}

// New creates a transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BackoffFactor < 0 {
		return nil, fmt.Errorf("backoff_factor must be >= 0 (got %s)", cfg.Retry.BackoffFactor)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	t := &Transport{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cfg.Cache,
		config:     cfg,
		logger:     cfg.Logger,
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return t, nil
}

// Get performs a GET with the retry policy.
//
// Retryable statuses that are still failing after the last retry are returned as
// a normal Response so the caller can decide; only connection-level exhaustion and
// context cancellation produce an error.
func (t *Transport) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	endpoint := endpointLabel(rawURL)

	template, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			template.Header.Add(k, v)
		}
	}
	template.Header.Set("User-Agent", t.config.UserAgent)

	var last *Response
	attempt := 0

	op := func() error {
		attempt++

		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrContextCancelled, err))
			}
		}

		resp, err := t.attempt(template.Clone(ctx), endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()))
			}
			last = nil
			t.logger.Warn().
				Err(errors.New(logging.Redact(err.Error()))).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("HTTP request failed")
			return &TransportError{URL: rawURL, ErrorClass: ErrorClassNetwork, Attempt: attempt, Err: err}
		}

		last = resp
		if t.config.Retry.shouldRetryStatus(resp.StatusCode) {
			return &TransportError{
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				ErrorClass: classifyStatus(resp.StatusCode),
				Attempt:    attempt,
			}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		class := ErrorClassNetwork
		var te *TransportError
		if errors.As(err, &te) {
			class = te.ErrorClass
		}
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())
		t.logger.Debug().
			Str("endpoint", endpoint).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")
	}

	err = backoff.RetryNotify(op, t.config.Retry.policy(ctx), notify)
	if err == nil {
		if attempt > 1 {
			t.logger.Info().Str("endpoint", endpoint).Int("attempt", attempt).Msg("Request succeeded after retry")
		}
		return last, nil
	}

	if errors.Is(err, ErrContextCancelled) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	}

	var te *TransportError
	if errors.As(err, &te) {
		retryExhaustedTotal.WithLabelValues(string(te.ErrorClass)).Inc()
		t.logger.Warn().
			Str("endpoint", endpoint).
			Str("error_class", string(te.ErrorClass)).
			Int("attempts", attempt).
			Msg("Retry attempts exhausted")

		if te.ErrorClass != ErrorClassNetwork && last != nil {
			return last, nil
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
}

// GetCached is Get with conditional revalidation against the configured cache.
// A 304 is answered with the cached body and status. Without a cache it is Get.
func (t *Transport) GetCached(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	if t.cache == nil {
		return t.Get(ctx, rawURL, header)
	}

	key, err := cache.KeyFromURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}

	entry, err := t.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		t.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache get error")
	}

	reqHeader := header.Clone()
	if reqHeader == nil {
		reqHeader = http.Header{}
	}
	if entry != nil && cache.ShouldMakeConditionalRequest(entry) {
		cache.AddConditionalHeaders(reqHeader, entry)
		cache.ConditionalRequestsSent.Inc()
	}

	resp, err := t.Get(ctx, rawURL, reqHeader)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && entry != nil {
		cache.NotModifiedResponses.Inc()
		t.logger.Debug().Str("key", key.String()).Msg("304 Not Modified - using cache")
		return &Response{
			StatusCode: entry.StatusCode,
			Header:     entry.Headers,
			Body:       entry.Data,
			FromCache:  true,
		}, nil
	}

	if resp.StatusCode == http.StatusOK {
		fresh := cache.NewEntry(resp.StatusCode, resp.Header, resp.Body, t.config.CacheTTL)
		if cache.ShouldMakeConditionalRequest(fresh) {
			if err := t.cache.Set(ctx, key, fresh); err != nil {
				t.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
			}
		}
	}
	return resp, nil
}

// attempt performs one request and reads the body.
func (t *Transport) attempt(req *http.Request, endpoint string) (*Response, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if class := classifyStatus(resp.StatusCode); class != "" {
		t.logger.Debug().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Request returned error status")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// endpointLabel reduces a URL to host plus first path segment so per-user paths
// do not explode metric cardinality.
func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	first := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0]
	if first == "" {
		return u.Host
	}
	return u.Host + "/" + first
}
