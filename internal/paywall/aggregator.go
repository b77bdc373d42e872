package paywall

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/metrics"
)

// Counter is the per-domain detection tally. Counts only ever grow; a
// confirmed domain is never demoted by later non-detections.
type Counter struct {
	Domain   string    `json:"domain"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Recorder persists a confirmed paywall upstream. Implementations must be
// idempotent: the aggregator re-reports on every increment at or past the
// threshold.
type Recorder interface {
	MarkPaywalled(ctx context.Context, domain string, params MarkParams) error
}

// MarkParams is the write-back payload for a confirmed domain.
type MarkParams struct {
	PaywallType    string
	SkipStreak     int
	TotalSkips     int
	LastDetectedAt time.Time
	Threshold      int
}

// Aggregator promotes per-fetch suspicions into a confirmed attribute only
// after repeated detections.
type Aggregator struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	threshold int
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewAggregator builds an Aggregator. recorder may be nil when persistence
// is disabled.
func NewAggregator(threshold int, recorder Recorder, logger *zap.Logger) *Aggregator {
	if threshold <= 0 {
		threshold = 3
	}
	return &Aggregator{
		counters:  make(map[string]*Counter),
		threshold: threshold,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Seed preloads persisted counts, so consensus survives restarts.
func (a *Aggregator) Seed(counts map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for domain, count := range counts {
		a.counters[domain] = &Counter{Domain: domain, Count: count}
	}
}

// IncrementAndCheck records one detection for the domain and reports whether
// the consensus threshold is reached. The reached answer is idempotent: true
// at the threshold and at every count after it. Distinct domains never
// interact.
func (a *Aggregator) IncrementAndCheck(ctx context.Context, domain string) (int, bool) {
	a.mu.Lock()
	c, ok := a.counters[domain]
	if !ok {
		c = &Counter{Domain: domain}
		a.counters[domain] = c
	}
	c.Count++
	c.LastSeen = a.now()
	count := c.Count
	a.mu.Unlock()

	metrics.ObservePaywallDetection(domain)
	reached := count >= a.threshold
	if reached && a.recorder != nil {
		params := MarkParams{
			PaywallType:    "hard",
			SkipStreak:     count,
			TotalSkips:     count,
			LastDetectedAt: a.now(),
			Threshold:      a.threshold,
		}
		if err := a.recorder.MarkPaywalled(ctx, domain, params); err != nil {
			a.logger.Warn("paywall write-back failed",
				zap.String("domain", domain),
				zap.Int("count", count),
				zap.Error(err))
		} else {
			a.logger.Info("domain confirmed paywalled",
				zap.String("domain", domain),
				zap.Int("count", count),
				zap.Int("threshold", a.threshold))
		}
	}
	return count, reached
}

// Confirmed reports whether the domain has reached the consensus threshold.
func (a *Aggregator) Confirmed(domain string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[domain]
	return ok && c.Count >= a.threshold
}

// Snapshot copies the current counters for reporting surfaces.
func (a *Aggregator) Snapshot() []Counter {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Counter, 0, len(a.counters))
	for _, c := range a.counters {
		out = append(out, *c)
	}
	return out
}
