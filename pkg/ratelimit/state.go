// Package ratelimit rotates GitHub API credentials based on their remaining quota.
// It reads the quota of the active credential before every lookup, moves to the
// next credential when the quota runs low, and waits out a cooldown when the whole
// pool keeps coming up empty.
package ratelimit

import (
	"strings"
	"time"
)

// Defaults for rotation decisions.
const (
	// DefaultLowQuotaThreshold rotates away from a credential with fewer remaining requests.
	DefaultLowQuotaThreshold = 10

	// DefaultCooldownThreshold is the number of rotations after which the pool is
	// considered exhausted.
	DefaultCooldownThreshold = 18

	// DefaultCooldown outlasts GitHub's one-hour rate limit window.
	DefaultCooldown = 65 * time.Minute
)

// Credential is an API token. Its identity is its string value.
type Credential string

// Masked returns the credential with everything but the last four characters hidden.
func (c Credential) Masked() string {
	s := string(c)
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// ParseCredentials splits a comma separated list, trimming blanks and dropping empties.
func ParseCredentials(raw string) []Credential {
	var out []Credential
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, Credential(p))
		}
	}
	return out
}

// QuotaSnapshot is the quota reported for one credential at one point in time.
// It is never reused across lookups.
type QuotaSnapshot struct {
	Remaining  int
	Limit      int
	ResetAt    time.Time
	ObservedAt time.Time

	// Credential is the pool index the snapshot was read for.
	Credential int

	// QueryErr is set when the quota could not be read. Remaining is 0 in that case.
	QueryErr error
}

// IsLow reports whether the snapshot is below threshold.
func (s QuotaSnapshot) IsLow(threshold int) bool {
	return s.Remaining < threshold
}

// Failed reports whether the quota query itself failed.
func (s QuotaSnapshot) Failed() bool {
	return s.QueryErr != nil
}

// State is the persisted part of the rotator.
type State struct {
	// Cursor is the index of the active credential.
	Cursor int `json:"cursor"`

	// Rotations counts rotations since the last cooldown.
	Rotations int `json:"rotations"`

	UpdatedAt time.Time `json:"updated_at"`
}
