// Package directory resolves a GitHub profile reference to a contact email.
//
// The structured profile email is preferred. When it is empty the user's profile
// README is fetched and mined for an address.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/contact-enricher/pkg/client"
	"github.com/Sternrassler/contact-enricher/pkg/extract"
	"github.com/Sternrassler/contact-enricher/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Lookup outcomes used as metric labels.
const (
	OutcomeProfileEmail = "profile_email"
	OutcomeReadmeEmail  = "readme_email"
	OutcomeNotFound     = "not_found"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enricher_lookups_total",
	Help: "Total number of directory lookups by outcome",
}, []string{"outcome"})

var (
	// ErrInvalidHandle is returned when no handle can be derived from a reference.
	ErrInvalidHandle = errors.New("invalid profile reference")

	// ErrMalformedProfile is returned when the profile body is not valid JSON.
	ErrMalformedProfile = errors.New("malformed profile response")
)

// Defaults for the public GitHub endpoints.
const (
	DefaultAPIBaseURL = "https://api.github.com"
	DefaultRawBaseURL = "https://raw.githubusercontent.com"
)

// Fetcher is the transport used for profile and README requests.
// *client.Transport revalidates through its cache when one is configured.
type Fetcher interface {
	GetCached(ctx context.Context, rawURL string, header http.Header) (*client.Response, error)
}

// Credentials supplies and rotates the Authorization header.
type Credentials interface {
	QuotaCheck(ctx context.Context) (ratelimit.QuotaSnapshot, error)
	Header() http.Header
	Rotate(ctx context.Context, reason string) error
}

// Config holds resolver configuration.
type Config struct {
	APIBaseURL string
	RawBaseURL string
	Logger     zerolog.Logger
}

// Resolver looks up contact emails.
type Resolver struct {
	fetcher Fetcher
	creds   Credentials
	apiBase string
	rawBase string
	logger  zerolog.Logger
}

// NewResolver creates a resolver. Empty base URLs fall back to the public endpoints.
func NewResolver(fetcher Fetcher, creds Credentials, cfg Config) *Resolver {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.RawBaseURL == "" {
		cfg.RawBaseURL = DefaultRawBaseURL
	}
	return &Resolver{
		fetcher: fetcher,
		creds:   creds,
		apiBase: strings.TrimRight(cfg.APIBaseURL, "/"),
		rawBase: strings.TrimRight(cfg.RawBaseURL, "/"),
		logger:  cfg.Logger,
	}
}

type profile struct {
	Login string  `json:"login"`
	Email *string `json:"email"`
}

// Resolve returns the contact email for ref, a profile URL or bare handle.
//
// Unresolvable handles (non-success statuses, no address anywhere) return
// found == false and a nil error. Errors are reserved for invalid references,
// exhausted transport retries, malformed profiles and interrupted cooldowns.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, bool, error) {
	handle, err := NormalizeHandle(ref)
	if err != nil {
		lookupsTotal.WithLabelValues(OutcomeError).Inc()
		return "", false, err
	}
	log := r.logger.With().Str("handle", handle).Logger()

	if _, err := r.creds.QuotaCheck(ctx); err != nil {
		return "", false, err
	}
	header := r.creds.Header()
	header.Set("Accept", "application/vnd.github+json")

	resp, err := r.fetcher.GetCached(ctx, r.apiBase+"/users/"+url.PathEscape(handle), header)
	if err != nil {
		lookupsTotal.WithLabelValues(OutcomeError).Inc()
		return "", false, fmt.Errorf("fetch profile %s: %w", handle, err)
	}

	if !resp.OK() {
		log.Info().Int("status", resp.StatusCode).Msg("Failed to fetch user info")
		if rejected(resp.StatusCode) {
			lookupsTotal.WithLabelValues(OutcomeRejected).Inc()
			if err := r.creds.Rotate(ctx, ratelimit.ReasonRejected); err != nil {
				return "", false, err
			}
			return "", false, nil
		}
		lookupsTotal.WithLabelValues(OutcomeNotFound).Inc()
		return "", false, nil
	}

	var p profile
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		lookupsTotal.WithLabelValues(OutcomeError).Inc()
		return "", false, fmt.Errorf("%w for %s: %w", ErrMalformedProfile, handle, err)
	}
	if p.Email != nil && strings.TrimSpace(*p.Email) != "" {
		lookupsTotal.WithLabelValues(OutcomeProfileEmail).Inc()
		log.Debug().Msg("Email found in profile")
		return strings.TrimSpace(*p.Email), true, nil
	}

	email, found, err := r.fromReadme(ctx, handle, header, log)
	if err != nil {
		lookupsTotal.WithLabelValues(OutcomeError).Inc()
		return "", false, err
	}
	if !found {
		lookupsTotal.WithLabelValues(OutcomeNotFound).Inc()
		return "", false, nil
	}
	lookupsTotal.WithLabelValues(OutcomeReadmeEmail).Inc()
	return email, true, nil
}

// fromReadme mines the profile README. Any non-200 is absent.
func (r *Resolver) fromReadme(ctx context.Context, handle string, header http.Header, log zerolog.Logger) (string, bool, error) {
	h := url.PathEscape(handle)
	readmeURL := fmt.Sprintf("%s/%s/%s/main/README.md", r.rawBase, h, h)

	readmeHeader := header.Clone()
	readmeHeader.Del("Accept")

	resp, err := r.fetcher.GetCached(ctx, readmeURL, readmeHeader)
	if err != nil {
		return "", false, fmt.Errorf("fetch readme %s: %w", handle, err)
	}
	if !resp.OK() {
		log.Debug().Int("status", resp.StatusCode).Msg("No profile README")
		return "", false, nil
	}

	text := string(resp.Body)
	if log.GetLevel() <= zerolog.DebugLevel {
		log.Debug().Int("candidates", len(extract.AllEmails(text))).Msg("Scanned profile README")
	}
	email, ok := extract.Email(text)
	return email, ok, nil
}

// rejected reports statuses that indicate the active credential was refused.
func rejected(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// NormalizeHandle derives a GitHub handle from a profile URL or bare handle.
func NormalizeHandle(ref string) (string, error) {
	s := strings.TrimSpace(ref)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}

	lower := strings.ToLower(s)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			lower = lower[len(scheme):]
			break
		}
	}
	if strings.HasPrefix(lower, "www.") {
		s = s[len("www."):]
		lower = lower[len("www."):]
	}
	if strings.HasPrefix(lower, "github.com/") {
		s = s[len("github.com/"):]
	} else if strings.HasPrefix(lower, "github.com") && len(s) == len("github.com") {
		s = ""
	}

	s = strings.Trim(s, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "@")

	if s == "" || !validHandle(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, ref)
	}
	return s, nil
}

// validHandle rejects references that still contain URL or path syntax.
func validHandle(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
