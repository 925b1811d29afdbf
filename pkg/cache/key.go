package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached response.
type Key struct {
	Host        string
	Path        string
	QueryParams url.Values
}

// KeyFromURL builds a Key from an absolute URL.
func KeyFromURL(rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return Key{}, fmt.Errorf("url %q has no host", rawURL)
	}
	return Key{
		Host:        strings.ToLower(u.Host),
		Path:        u.Path,
		QueryParams: u.Query(),
	}, nil
}

// String generates a deterministic Redis key.
// Format: enricher:cache:host:path:q1=v1:q2=v2
func (k Key) String() string {
	parts := []string{"enricher", "cache", k.Host}

	if p := strings.Trim(k.Path, "/"); p != "" {
		parts = append(parts, p)
	}

	if len(k.QueryParams) > 0 {
		names := make([]string, 0, len(k.QueryParams))
		for name := range k.QueryParams {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.QueryParams.Get(name)))
		}
	}

	return strings.Join(parts, ":")
}
