// Package ratelimit implements a keyed sliding-window request limiter.
//
// Each key keeps the timestamps of its admitted requests. Timestamps that have
// left the window are pruned when the key is next checked; there is no
// background sweep, and a key whose window empties is dropped entirely.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window expires. For a denied
	// request this is when a slot frees up.
	ResetAt time.Time
}

// RetryAfter returns how long a denied caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter is safe for concurrent use.
type Limiter struct {
	clock clock.Clock

	mu     sync.Mutex
	window time.Duration
	max    int
	keys   map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the clock used for window arithmetic.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = clk
	}
}

// New creates a limiter admitting max requests per key within window.
func New(window time.Duration, max int, opts ...Option) *Limiter {
	l := &Limiter{
		clock:  clock.New(),
		window: window,
		max:    max,
		keys:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimits changes the window and maximum for subsequent checks.
func (l *Limiter) SetLimits(window time.Duration, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = window
	l.max = max
}

// Limits returns the current window and maximum.
func (l *Limiter) Limits() (time.Duration, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window, l.max
}

// Now returns the limiter's clock time.
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}

// Check admits or denies one request for key under the configured limits.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(key, l.window, l.max)
}

// CheckLimit is Check with explicit limits, for call sites sharing one key space.
func (l *Limiter) CheckLimit(key string, window time.Duration, max int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(key, window, max)
}

func (l *Limiter) check(key string, window time.Duration, max int) Decision {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	stamps := l.keys[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= max {
		l.store(key, kept)
		var reset time.Time
		if len(kept) > 0 {
			reset = kept[0].Add(window)
		} else {
			reset = now.Add(window)
		}
		return Decision{Allowed: false, Limit: max, Remaining: 0, ResetAt: reset}
	}

	kept = append(kept, now)
	l.store(key, kept)
	return Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: max - len(kept),
		ResetAt:   kept[0].Add(window),
	}
}

func (l *Limiter) store(key string, stamps []time.Time) {
	if len(stamps) == 0 {
		delete(l.keys, key)
		return
	}
	l.keys[key] = stamps
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
