// Package testutil provides a mock GitHub directory for testing.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// RawPrefix is the path prefix under which README documents are served.
const RawPrefix = "/raw"

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUser configures one handle.
type MockUser struct {
	// ProfileStatus overrides the profile status. 0 means 200.
	ProfileStatus int

	// Email is the structured profile field. Empty is sent as null.
	Email string

	// Readme is the README body. Empty with ReadmeStatus 0 means 404.
	Readme       string
	ReadmeStatus int
}

// MockDirectory serves /rate_limit, /users/{handle} and /raw/{handle}/{handle}/main/README.md.
type MockDirectory struct {
	server *httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	quota    map[string]int
	users    map[string]MockUser

	hits             map[string]int
	requestCount     int
	conditionalCount int
	authorizations   []string
}

// DefaultRemaining is reported for tokens without a configured quota.
const DefaultRemaining = 5000

// NewMockDirectory starts the mock server.
func NewMockDirectory() *MockDirectory {
	m := &MockDirectory{
		handlers: make(map[string]http.HandlerFunc),
		quota:    make(map[string]int),
		users:    make(map[string]MockUser),
		hits:     make(map[string]int),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount++
		m.hits[r.URL.Path]++
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			m.conditionalCount++
		}
		if !strings.HasPrefix(r.URL.Path, RawPrefix) {
			m.authorizations = append(m.authorizations, r.Header.Get("Authorization"))
		}
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if ok {
			handler(w, r)
			return
		}
		m.route(w, r)
	}))

	return m
}

// URL returns the server root.
func (m *MockDirectory) URL() string { return m.server.URL }

// APIBase is the base for /rate_limit and /users.
func (m *MockDirectory) APIBase() string { return m.server.URL }

// RawBase is the base for README documents.
func (m *MockDirectory) RawBase() string { return m.server.URL + RawPrefix }

// Close shuts down the server.
func (m *MockDirectory) Close() { m.server.Close() }

// Reset clears the counters. Configuration is kept.
func (m *MockDirectory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = make(map[string]int)
	m.requestCount = 0
	m.conditionalCount = 0
	m.authorizations = nil
}

// SetHandler overrides the handler for an exact path.
func (m *MockDirectory) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for an exact path.
func (m *MockDirectory) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetQuota sets the remaining quota reported for token.
func (m *MockDirectory) SetQuota(token string, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota[token] = remaining
}

// SetUser configures a handle.
func (m *MockDirectory) SetUser(handle string, u MockUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[handle] = u
}

// Hits returns the number of requests to path.
func (m *MockDirectory) Hits(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits[path]
}

// ProfilePath returns the profile path for handle.
func ProfilePath(handle string) string { return "/users/" + handle }

// ReadmePath returns the README path for handle.
func ReadmePath(handle string) string {
	return fmt.Sprintf("%s/%s/%s/main/README.md", RawPrefix, handle, handle)
}

// RequestCount returns the total number of requests.
func (m *MockDirectory) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// ConditionalCount returns the number of conditional requests.
func (m *MockDirectory) ConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// Authorizations returns the Authorization headers seen on API requests, in order.
func (m *MockDirectory) Authorizations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.authorizations...)
}

func (m *MockDirectory) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/rate_limit":
		m.serveQuota(w, r)
	case strings.HasPrefix(path, "/users/"):
		m.serveProfile(w, r, strings.TrimPrefix(path, "/users/"))
	case strings.HasPrefix(path, RawPrefix+"/") && strings.HasSuffix(path, "/main/README.md"):
		handle := strings.SplitN(strings.TrimPrefix(path, RawPrefix+"/"), "/", 2)[0]
		m.serveReadme(w, r, handle)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockDirectory) serveQuota(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "token ")

	m.mu.RLock()
	remaining, ok := m.quota[token]
	m.mu.RUnlock()
	if !ok {
		remaining = DefaultRemaining
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, `{"rate":{"limit":5000,"remaining":%d,"reset":%d}}`,
		remaining, time.Now().Add(time.Hour).Unix())
}

func (m *MockDirectory) serveProfile(w http.ResponseWriter, r *http.Request, handle string) {
	m.mu.RLock()
	u, ok := m.users[handle]
	m.mu.RUnlock()

	if !ok {
		writeJSONError(w, http.StatusNotFound, "Not Found")
		return
	}
	if u.ProfileStatus != 0 && u.ProfileStatus != http.StatusOK {
		writeJSONError(w, u.ProfileStatus, http.StatusText(u.ProfileStatus))
		return
	}

	etag := fmt.Sprintf(`"profile-%s"`, handle)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body := map[string]any{"login": handle, "email": nil}
	if u.Email != "" {
		body["email"] = u.Email
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("ETag", etag)
	json.NewEncoder(w).Encode(body)
}

func (m *MockDirectory) serveReadme(w http.ResponseWriter, r *http.Request, handle string) {
	m.mu.RLock()
	u, ok := m.users[handle]
	m.mu.RUnlock()

	status := u.ReadmeStatus
	if status == 0 {
		status = http.StatusOK
		if !ok || u.Readme == "" {
			status = http.StatusNotFound
		}
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte("404: Not Found"))
		return
	}

	etag := fmt.Sprintf(`"readme-%s"`, handle)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("ETag", etag)
	w.Write([]byte(u.Readme))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"message":%q}`, msg)
}
