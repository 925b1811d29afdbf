package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/contact-enricher/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credential rotation.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enricher_quota_remaining",
		Help: "Remaining requests reported for a credential by its pool index",
	}, []string{"credential"})

	quotaQueryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_quota_query_failures_total",
		Help: "Total number of quota queries that failed and were treated as exhausted",
	})

	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_credential_rotations_total",
		Help: "Total number of credential rotations by reason",
	}, []string{"reason"})

	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_cooldowns_total",
		Help: "Total number of pool-wide cooldown waits",
	})
)

// ErrNoCredentials is returned when the pool is empty.
var ErrNoCredentials = errors.New("credential pool is empty")

// Rotation reasons.
const (
	ReasonLowQuota    = "low_quota"
	ReasonQuotaFailed = "quota_query_failed"
	ReasonRejected    = "rejected"
)

// Getter is the transport capability the rotator needs.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*client.Response, error)
}

// SleepFunc blocks for d. It may return early with ctx.Err().
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds rotator configuration.
type Config struct {
	Credentials []Credential

	// QuotaURL is the rate limit endpoint, e.g. https://api.github.com/rate_limit.
	QuotaURL string

	LowQuotaThreshold int
	CooldownThreshold int
	Cooldown          time.Duration

	// Store persists cursor and rotation count. Defaults to a MemoryStore.
	Store StateStore

	// Sleep implements the cooldown wait. Defaults to a cancellable timer.
	Sleep SleepFunc

	Logger zerolog.Logger
}

// Rotator owns the credential pool, the cursor and the rotation counter.
//
// States: using(cursor) and cooling-down. A cooldown is entered from QuotaCheck or
// Rotate when the rotation counter reaches CooldownThreshold; it blocks the caller
// for Cooldown and resets the counter.
type Rotator struct {
	mu        sync.Mutex
	creds     []Credential
	cursor    int
	rotations int

	transport Getter
	config    Config
	store     StateStore
	sleep     SleepFunc
	logger    zerolog.Logger
}

// NewRotator builds a rotator and restores persisted state from cfg.Store.
func NewRotator(ctx context.Context, transport Getter, cfg Config) (*Rotator, error) {
	if len(cfg.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.QuotaURL == "" {
		return nil, fmt.Errorf("quota url is required")
	}
	if cfg.LowQuotaThreshold <= 0 {
		cfg.LowQuotaThreshold = DefaultLowQuotaThreshold
	}
	if cfg.CooldownThreshold <= 0 {
		cfg.CooldownThreshold = DefaultCooldownThreshold
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must be >= 0 (got %s)", cfg.Cooldown)
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	r := &Rotator{
		creds:     append([]Credential(nil), cfg.Credentials...),
		transport: transport,
		config:    cfg,
		store:     cfg.Store,
		sleep:     cfg.Sleep,
		logger:    cfg.Logger,
	}

	st, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rotator state: %w", err)
	}
	r.cursor = ((st.Cursor % len(r.creds)) + len(r.creds)) % len(r.creds)
	if st.Rotations > 0 {
		r.rotations = st.Rotations
	}

	r.logger.Info().
		Int("credentials", len(r.creds)).
		Int("credential", r.cursor+1).
		Int("rotations", r.rotations).
		Msg("Credential pool ready")

	return r, nil
}

// Header returns the Authorization header for the active credential.
func (r *Rotator) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := http.Header{}
	h.Set("Authorization", "token "+string(r.creds[r.cursor]))
	return h
}

// Active returns the index of the active credential.
func (r *Rotator) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Rotations returns the rotation count since the last cooldown.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}

// Size returns the number of credentials in the pool.
func (r *Rotator) Size() int {
	return len(r.creds)
}

// QuotaCheck reads the quota of the active credential and rotates when it is low.
// A failed quota query counts as zero remaining. The only error returned is a
// context cancellation during a cooldown wait.
func (r *Rotator) QuotaCheck(ctx context.Context) (QuotaSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.queryQuota(ctx)
	quotaRemaining.WithLabelValues(strconv.Itoa(snap.Credential + 1)).Set(float64(snap.Remaining))

	r.logger.Info().
		Int("credential", snap.Credential+1).
		Int("remaining", snap.Remaining).
		Msg("Remaining requests for current credential")

	if !snap.IsLow(r.config.LowQuotaThreshold) {
		return snap, nil
	}

	reason := ReasonLowQuota
	if snap.Failed() {
		reason = ReasonQuotaFailed
	}
	return snap, r.rotateLocked(ctx, reason)
}

// Rotate switches to the next credential outside of a quota check, for example
// after the API rejected the active credential.
func (r *Rotator) Rotate(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(ctx, reason)
}

func (r *Rotator) rotateLocked(ctx context.Context, reason string) error {
	r.cursor = (r.cursor + 1) % len(r.creds)
	r.rotations++
	rotationsTotal.WithLabelValues(reason).Inc()

	r.logger.Info().
		Int("credential", r.cursor+1).
		Str("credential_hint", r.creds[r.cursor].Masked()).
		Int("rotations", r.rotations).
		Str("reason", reason).
		Msg("Switched to new credential")

	var cooldownErr error
	if r.rotations >= r.config.CooldownThreshold {
		cooldownErr = r.cooldown(ctx)
	}

	r.persist(ctx)
	return cooldownErr
}

// cooldown blocks for the configured duration and resets the rotation counter.
func (r *Rotator) cooldown(ctx context.Context) error {
	cooldownsTotal.Inc()
	r.logger.Warn().
		Int("rotations", r.rotations).
		Dur("wait", r.config.Cooldown).
		Msg("Rate limit hit for all credentials, cooling down")

	if err := r.sleep(ctx, r.config.Cooldown); err != nil {
		return fmt.Errorf("cooldown interrupted: %w", err)
	}

	r.rotations = 0
	r.logger.Info().Int("credential", r.cursor+1).Msg("Cooldown finished")
	return nil
}

func (r *Rotator) persist(ctx context.Context) {
	st := State{Cursor: r.cursor, Rotations: r.rotations, UpdatedAt: time.Now()}
	if err := r.store.Save(context.WithoutCancel(ctx), st); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist rotator state")
	}
}

// rateLimitBody is the subset of GET /rate_limit used here.
type rateLimitBody struct {
	Rate struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"rate"`
}

// queryQuota must be called with r.mu held.
func (r *Rotator) queryQuota(ctx context.Context) QuotaSnapshot {
	snap := QuotaSnapshot{Credential: r.cursor, ObservedAt: time.Now()}

	h := http.Header{}
	h.Set("Authorization", "token "+string(r.creds[r.cursor]))
	h.Set("Accept", "application/vnd.github+json")

	resp, err := r.transport.Get(ctx, r.config.QuotaURL, h)
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("quota query returned status %d", resp.StatusCode)
	}
	if err == nil {
		var body rateLimitBody
		if derr := json.Unmarshal(resp.Body, &body); derr != nil {
			err = fmt.Errorf("decode quota: %w", derr)
		} else {
			snap.Remaining = body.Rate.Remaining
			snap.Limit = body.Rate.Limit
			if body.Rate.Reset > 0 {
				snap.ResetAt = time.Unix(body.Rate.Reset, 0)
			}
			return snap
		}
	}

	quotaQueryFailuresTotal.Inc()
	snap.QueryErr = err
	r.logger.Warn().
		Err(err).
		Int("credential", r.cursor+1).
		Msg("Quota query failed, treating credential as exhausted")
	return snap
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
