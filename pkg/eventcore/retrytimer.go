package eventcore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RetryTimer is the exponential backoff described below: base 1s,
// multiplier 2, cap 8s. It is built on golang.org/x/time/rate rather than a
// hand-rolled timer so that coalesced concurrent drain attempts all block on
// the same limiter instead of each starting an independent timer that would
// all fire and retry at once.
type RetryTimer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	base    time.Duration
	mult    float64
	cap     time.Duration
	current time.Duration
}

// DefaultBase, DefaultMultiplier, and DefaultCap match retry timer.
const (
	DefaultBase       = time.Second
	DefaultMultiplier = 2.0
	DefaultCap        = 8 * time.Second
)

// NewRetryTimer builds a RetryTimer at its base interval.
func NewRetryTimer(base time.Duration, mult float64, cap time.Duration) *RetryTimer {
	limiter := rate.NewLimiter(rate.Every(base), 1)
	limiter.Allow() // start with an empty bucket so the first Wait waits one full interval
	return &RetryTimer{
		limiter: limiter,
		base:    base,
		mult:    mult,
		cap:     cap,
		current: base,
	}
}

// Wait blocks until the next retry is due, or ctx is cancelled.
func (r *RetryTimer) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Backoff doubles the interval (capped), to be called after a failed drain attempt.
func (r *RetryTimer) Backoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := time.Duration(float64(r.current) * r.mult)
	if next > r.cap {
		next = r.cap
	}
	r.current = next
	r.limiter.SetLimit(rate.Every(r.current))
}

// Reset restores the base interval after a successful drain.
func (r *RetryTimer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = r.base
	r.limiter.SetLimit(rate.Every(r.base))
}

// Current reports the active interval, used by the runner.HealthChecker to
// decide when the delivery loop has been backed off long enough to report unhealthy.
func (r *RetryTimer) Current() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// AtCap reports whether the timer has backed off to its ceiling.
func (r *RetryTimer) AtCap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current >= r.cap
}
