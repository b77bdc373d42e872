// Package stealth provides user-agent selection and coherent browser header
// profiles for outbound fetches.
package stealth

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
)

// ErrNoUserAgents is returned when neither overrides, a pool, nor a default
// user agent is configured.
var ErrNoUserAgents = errors.New("no user agents configured")

// UserAgents chooses a user agent per domain: domain override list first,
// then the general pool, then the hard default.
type UserAgents struct {
	mu        sync.Mutex
	rng       *rand.Rand
	overrides map[string][]string
	pool      []string
	fallback  string
}

// NewUserAgents builds a provider. Override keys are case-folded domains.
func NewUserAgents(overrides map[string][]string, pool []string, fallback string) *UserAgents {
	folded := make(map[string][]string, len(overrides))
	for domain, agents := range overrides {
		folded[strings.ToLower(domain)] = agents
	}
	return &UserAgents{
		rng:       rand.New(rand.NewSource(rand.Int63())),
		overrides: folded,
		pool:      pool,
		fallback:  fallback,
	}
}

// Choose returns a user agent for the domain.
func (u *UserAgents) Choose(domain string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if agents := u.overrides[strings.ToLower(domain)]; len(agents) > 0 {
		return agents[u.rng.Intn(len(agents))], nil
	}
	if len(u.pool) > 0 {
		return u.pool[u.rng.Intn(len(u.pool))], nil
	}
	if u.fallback != "" {
		return u.fallback, nil
	}
	return "", ErrNoUserAgents
}
