package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/proxy"
)

// DomainLimiter paces dispatches per domain.
type DomainLimiter interface {
	Acquire(ctx context.Context, domain string) error
}

// RobotsPolicy answers whether a URL may be fetched at all.
type RobotsPolicy interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// AgentPicker selects the outbound user agent for a domain.
type AgentPicker interface {
	Choose(domain string) (string, error)
}

// PaywallLedger tracks the cross-fetch paywall consensus per domain.
type PaywallLedger interface {
	Confirmed(domain string) bool
	IncrementAndCheck(ctx context.Context, domain string) (count int, confirmed bool)
}

// ProxyReporter receives egress health signals derived from job outcomes.
// Rotators that also implement it get success/failure feedback after every
// terminal job status.
type ProxyReporter interface {
	ReportSuccess()
	ReportFailure(reason string)
}

// Policies bundles the admission gates the runner consults before
// dispatching a run. A nil field disables that gate.
type Policies struct {
	Limiter DomainLimiter
	Robots  RobotsPolicy
	Proxies proxy.Rotator
	Agents  AgentPicker
	Paywall PaywallLedger
}

// Per-domain exclusion reasons recorded on the run outcome.
const (
	ExcludedPaywalled = "paywall confirmed"
	ExcludedRobots    = "robots disallowed"
)

// gateDomains partitions a run's domains into the dispatchable set and the
// excluded map. Confirmed-paywalled domains go first so a blocked domain
// never costs a robots fetch.
func (r *Runner) gateDomains(ctx context.Context, domains []string) (eligible []string, excluded map[string]string) {
	eligible = make([]string, 0, len(domains))
	for _, domain := range domains {
		if ctx.Err() != nil {
			return eligible, excluded
		}
		if r.policies.Paywall != nil && r.policies.Paywall.Confirmed(domain) {
			excluded = exclude(excluded, domain, ExcludedPaywalled)
			continue
		}
		if r.policies.Robots != nil && !r.policies.Robots.IsAllowed(ctx, "https://"+domain+"/") {
			excluded = exclude(excluded, domain, ExcludedRobots)
			continue
		}
		eligible = append(eligible, domain)
	}
	return eligible, excluded
}

func exclude(m map[string]string, domain, reason string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[domain] = reason
	return m
}

// acquireSlots takes one rate-limit slot per domain, blocking while any
// bucket is full. The only error is a cancelled context.
func (r *Runner) acquireSlots(ctx context.Context, domains []string) error {
	if r.policies.Limiter == nil {
		return nil
	}
	for _, domain := range domains {
		if err := r.policies.Limiter.Acquire(ctx, domain); err != nil {
			return err
		}
	}
	return nil
}

// reportProxy forwards the job outcome to the rotator when it accepts health
// feedback.
func (r *Runner) reportProxy(ok bool, reason string) {
	reporter, accepts := r.policies.Proxies.(ProxyReporter)
	if !accepts {
		return
	}
	if ok {
		reporter.ReportSuccess()
	} else {
		reporter.ReportFailure(reason)
	}
}

// reportPaywalled feeds engine-reported paywall hits into the consensus
// ledger.
func (r *Runner) reportPaywalled(ctx context.Context, domains []string) {
	if r.policies.Paywall == nil {
		return
	}
	for _, domain := range domains {
		count, confirmed := r.policies.Paywall.IncrementAndCheck(ctx, domain)
		r.logger.Info("paywall detection reported",
			zap.String("domain", domain),
			zap.Int("count", count),
			zap.Bool("confirmed", confirmed))
	}
}
