package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is used when NewEntry is given a non-positive ttl.
const DefaultTTL = 24 * time.Hour

// NewEntry builds an Entry from a response that has already been read.
func NewEntry(status int, header http.Header, body []byte, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	entry := &Entry{
		Data:       append([]byte(nil), body...),
		ETag:       header.Get("ETag"),
		StatusCode: status,
		Headers:    header.Clone(),
		CachedAt:   now,
		Expires:    now.Add(ttl),
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			entry.LastModified = t
		}
	}
	return entry
}

// ShouldMakeConditionalRequest reports whether entry carries a validator.
func ShouldMakeConditionalRequest(entry *Entry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when there is no ETag.
func AddConditionalHeaders(header http.Header, entry *Entry) {
	if entry == nil || header == nil {
		return
	}
	if entry.ETag != "" {
		header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
