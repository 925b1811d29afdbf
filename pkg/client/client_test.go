package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/contact-enricher/pkg/cache"
	"github.com/rs/zerolog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BackoffFactor = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	cfg.Logger = zerolog.Nop()
	return cfg
}

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

// statusSequence serves the given statuses in order, repeating the last one.
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		idx := n - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		w.WriteHeader(statuses[idx])
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be positive (got 0s)"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "max_retries must be >= 0 (got -1)"},
		{"negative backoff", func(c *Config) { c.Retry.BackoffFactor = -time.Second }, "backoff_factor must be >= 0 (got -1s)"},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, "user-agent is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			tr, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil || tr == nil {
					t.Fatalf("New() = %v, %v; want transport", tr, err)
				}
				return
			}
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("New() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestGet_Success(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, testConfig())
	resp, err := tr.Get(context.Background(), srv.URL+"/users/octocat", http.Header{"Authorization": {"token abc"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if !resp.OK() {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if gotAuth != "token abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotUA != "contact-enricher/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestGet_RetriesTransientStatus(t *testing.T) {
	for _, status := range []int{500, 502, 504} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, calls := statusSequence(t, status, status, http.StatusOK)
			tr := newTestTransport(t, testConfig())

			resp, err := tr.Get(context.Background(), srv.URL, nil)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
			}
			if got := atomic.LoadInt32(calls); got != 3 {
				t.Errorf("calls = %d, want 3", got)
			}
		})
	}
}

func TestGet_NonRetryableReturnsImmediately(t *testing.T) {
	for _, status := range []int{401, 403, 404, 429, 503} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, calls := statusSequence(t, status)
			tr := newTestTransport(t, testConfig())

			resp, err := tr.Get(context.Background(), srv.URL, nil)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if resp.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
			}
			if got := atomic.LoadInt32(calls); got != 1 {
				t.Errorf("calls = %d, want 1", got)
			}
		})
	}
}

func TestGet_ExhaustedStatusSurfacesLastResponse(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusBadGateway)
	tr := newTestTransport(t, testConfig())

	resp, err := tr.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v, want last response instead", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
	// first attempt + 3 retries
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestGet_ZeroRetries(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusInternalServerError)
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	tr := newTestTransport(t, cfg)

	resp, err := tr.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestGet_ConnectionFailureExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	tr := newTestTransport(t, testConfig())
	resp, err := tr.Get(context.Background(), addr, nil)
	if err == nil {
		t.Fatalf("Get() = %v, want error", resp)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error %v should carry a *TransportError", err)
	}
	if te.ErrorClass != ErrorClassNetwork {
		t.Errorf("ErrorClass = %q, want network", te.ErrorClass)
	}
	if te.Attempt != 4 {
		t.Errorf("Attempt = %d, want 4", te.Attempt)
	}
}

func TestGet_TimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	tr := newTestTransport(t, cfg)

	resp, err := tr.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !resp.OK() {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Errorf("calls = %d, want a retry after the timeout", got)
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	srv, _ := statusSequence(t, http.StatusInternalServerError)

	cfg := testConfig()
	cfg.Retry.BackoffFactor = time.Second
	cfg.Retry.MaxBackoff = time.Second
	tr := newTestTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Get(ctx, srv.URL, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
}

func TestGet_InvalidURL(t *testing.T) {
	tr := newTestTransport(t, testConfig())
	if _, err := tr.Get(context.Background(), "http://[::1", nil); err == nil {
		t.Error("expected error for malformed URL")
	}
}

func TestGet_RequestPacing(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusOK)
	cfg := testConfig()
	cfg.RequestsPerSecond = 20
	tr := newTestTransport(t, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := tr.Get(context.Background(), srv.URL, nil); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	// burst of 1 at 20/s: the 2nd and 3rd calls wait ~50ms each
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("elapsed = %v, want pacing to slow calls down", elapsed)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.github.com/users/octocat", "api.github.com/users"},
		{"https://api.github.com/rate_limit", "api.github.com/rate_limit"},
		{"https://raw.githubusercontent.com/o/o/main/README.md", "raw.githubusercontent.com/o"},
		{"https://example.com", "example.com"},
		{"not a url", "unknown"},
	}
	for _, tt := range tests {
		if got := endpointLabel(tt.in); got != tt.want {
			t.Errorf("endpointLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// memoryCache is an in-process Cache for exercising GetCached.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*cache.Entry)}
}

func (m *memoryCache) Get(_ context.Context, key cache.Key) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.String()]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return e, nil
}

func (m *memoryCache) Set(_ context.Context, key cache.Key, entry *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.String()] = entry
	return nil
}

func TestGetCached_ConditionalRevalidation(t *testing.T) {
	var calls, conditional int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"email":"cached@example.com"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Cache = newMemoryCache()
	tr := newTestTransport(t, cfg)
	ctx := context.Background()

	first, err := tr.GetCached(ctx, srv.URL+"/users/octocat", nil)
	if err != nil {
		t.Fatalf("first GetCached() error = %v", err)
	}
	if first.FromCache {
		t.Error("first response should not come from cache")
	}

	second, err := tr.GetCached(ctx, srv.URL+"/users/octocat", nil)
	if err != nil {
		t.Fatalf("second GetCached() error = %v", err)
	}
	if !second.FromCache {
		t.Error("second response should be served from cache after 304")
	}
	if second.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want cached 200", second.StatusCode)
	}
	if string(second.Body) != `{"email":"cached@example.com"}` {
		t.Errorf("Body = %s", second.Body)
	}
	if atomic.LoadInt32(&calls) != 2 || atomic.LoadInt32(&conditional) != 1 {
		t.Errorf("calls = %d, conditional = %d; want 2 and 1", calls, conditional)
	}
}

func TestGetCached_WithoutCacheIsGet(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusOK)
	tr := newTestTransport(t, testConfig())

	for i := 0; i < 2; i++ {
		resp, err := tr.GetCached(context.Background(), srv.URL, nil)
		if err != nil {
			t.Fatalf("GetCached() error = %v", err)
		}
		if resp.FromCache {
			t.Error("no cache configured, response must not be from cache")
		}
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestGetCached_DoesNotStoreErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"nf"`)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mc := newMemoryCache()
	cfg := testConfig()
	cfg.Cache = mc
	tr := newTestTransport(t, cfg)

	if _, err := tr.GetCached(context.Background(), srv.URL+"/users/ghost", nil); err != nil {
		t.Fatalf("GetCached() error = %v", err)
	}
	if len(mc.entries) != 0 {
		t.Errorf("cache has %d entries, want 0 for a 404", len(mc.entries))
	}
}
