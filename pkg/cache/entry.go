package cache

import (
	"net/http"
	"time"
)

// Entry is a cached response.
type Entry struct {
	Data         []byte      `json:"data"`
	ETag         string      `json:"etag"`
	LastModified time.Time   `json:"last_modified"`
	StatusCode   int         `json:"status_code"`
	Headers      http.Header `json:"headers"`
	CachedAt     time.Time   `json:"cached_at"`

	// Expires is when the entry is dropped from Redis. It bounds storage, not
	// freshness: every use is revalidated.
	Expires time.Time `json:"expires"`
}

// IsExpired returns true if the entry has passed its storage deadline.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
