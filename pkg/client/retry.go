package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds the retry policy of the transport.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BackoffFactor is the wait before the first retry. Each further retry doubles it.
	BackoffFactor time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// Jitter randomizes each wait by +/- this fraction (0 disables).
	Jitter float64

	// RetryStatuses are the HTTP statuses retried in addition to connection failures.
	RetryStatuses []int
}

// DefaultRetryConfig returns 3 retries with 0.3s, 0.6s, 1.2s waits on 500/502/504.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BackoffFactor: 300 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		Jitter:        0,
		RetryStatuses: []int{500, 502, 504},
	}
}

// shouldRetryStatus reports whether code is in the configured retry set.
func (c RetryConfig) shouldRetryStatus(code int) bool {
	for _, s := range c.RetryStatuses {
		if s == code {
			return true
		}
	}
	return false
}

// policy builds the backoff schedule for one logical request.
func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BackoffFactor
	exp.Multiplier = 2
	exp.RandomizationFactor = c.Jitter
	exp.MaxInterval = c.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// backoffSchedule lists the waits the policy would produce without jitter.
func (c RetryConfig) backoffSchedule() []time.Duration {
	noJitter := c
	noJitter.Jitter = 0
	b := noJitter.policy(context.Background())

	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}
