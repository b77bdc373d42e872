// Package ratelimit implements a per-domain sliding-window rate limiter for
// outbound request pacing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlops/governor/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Limiter admits at most MaxRequests per domain within any trailing Window.
// Buckets are independent per domain; there is no global cap.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	maxReq := cfg.MaxRequests
	if maxReq <= 0 {
		maxReq = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string][]time.Time),
		max:     maxReq,
		window:  window,
		now:     time.Now,
	}
}

// Acquire records one request slot for the domain, blocking until the oldest
// in-window timestamp ages out when the bucket is at capacity. The wait is
// cancellable through ctx.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	start := l.now()
	for {
		wait := l.tryReserve(domain)
		if wait <= 0 {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				metrics.ObserveRateLimitWait(domain, waited)
			}
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait for %s: %w", domain, ctx.Err())
		case <-timer.C:
		}
	}
}

// tryReserve evicts stale entries and either records a slot (returning 0) or
// returns how long until the oldest entry leaves the window.
func (l *Limiter) tryReserve(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	stamps := l.buckets[domain]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.buckets[domain] = kept
		return l.window - now.Sub(kept[0])
	}
	l.buckets[domain] = append(kept, now)
	return 0
}

// Pending reports the in-window request count for a domain, after eviction.
func (l *Limiter) Pending(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range l.buckets[domain] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
