// Package ratelimit paces browser actions against the portal and applies
// exponential backoff to retryable failures.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces out portal actions (keystrokes, clicks, page loads) and
// slows itself down after consecutive failures.
type RateLimiter struct {
	limiter           *rate.Limiter
	mu                sync.Mutex
	consecutiveErrors int
	currentDelay      time.Duration
	config            *Config
}

// Config holds pacing configuration.
type Config struct {
	ActionDelay       time.Duration // minimum spacing between portal actions
	BackoffMultiplier float64
	MaxDelay          time.Duration
	MaxAttempts       int
}

// DefaultConfig returns pacing defaults tuned for autocomplete and calendar
// widgets: fast enough to finish a report in seconds, slow enough that the
// portal's keystroke handlers fire.
func DefaultConfig() *Config {
	return &Config{
		ActionDelay:       150 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       3,
	}
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg *Config) *RateLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rps := float64(time.Second) / float64(cfg.ActionDelay)

	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		currentDelay: cfg.ActionDelay,
		config:       cfg,
	}
}

// Wait blocks until the limiter allows the next action.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Backoff records a failure and returns how long to wait before the next
// attempt, slowing the underlying limiter as errors accumulate.
func (r *RateLimiter) Backoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++

	wait := time.Duration(math.Min(
		float64(r.currentDelay)*math.Pow(r.config.BackoffMultiplier, float64(r.consecutiveErrors)),
		float64(r.config.MaxDelay),
	))

	if wait > r.currentDelay {
		r.currentDelay = wait
		rps := float64(time.Second) / float64(wait)
		r.limiter.SetLimit(rate.Limit(rps))
	}

	return wait
}

// Success resets the error counter and restores the base pace.
func (r *RateLimiter) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consecutiveErrors > 0 {
		r.consecutiveErrors = 0
		r.currentDelay = r.config.ActionDelay
		rps := float64(time.Second) / float64(r.config.ActionDelay)
		r.limiter.SetLimit(rate.Limit(rps))
	}
}

// ExecuteWithRetry runs fn with pacing, retrying with backoff while retryable
// reports the returned error as worth another attempt. attempts <= 0 falls
// back to the configured maximum.
func (r *RateLimiter) ExecuteWithRetry(ctx context.Context, attempts int, fn func() error, retryable func(error) bool) error {
	if attempts <= 0 {
		attempts = r.config.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := r.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			r.Success()
			return nil
		}

		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}

		wait := r.Backoff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", attempts, lastErr)
}
