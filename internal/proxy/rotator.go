// Package proxy provides outbound proxy rotation: a static round-robin pool
// and a health-checked rotating session with failure backoff.
package proxy

import (
	"context"
	"sync"
)

// Definition is an opaque outbound-address descriptor handed to the crawl
// backend.
type Definition struct {
	URL      string
	Metadata map[string]string
}

// Rotator yields the proxy to use for the next fetch. A nil Definition with
// a nil error means "no proxy, go direct".
type Rotator interface {
	NextProxy(ctx context.Context) (*Definition, error)
}

// RoundRobin cycles a static pool. An empty pool always yields nil.
type RoundRobin struct {
	mu    sync.Mutex
	pool  []Definition
	index int
}

// NewRoundRobin builds a RoundRobin over the given proxy URLs.
func NewRoundRobin(urls []string) *RoundRobin {
	pool := make([]Definition, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		pool = append(pool, Definition{URL: u})
	}
	return &RoundRobin{pool: pool}
}

// NextProxy implements Rotator.
func (r *RoundRobin) NextProxy(_ context.Context) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) == 0 {
		return nil, nil
	}
	def := r.pool[r.index%len(r.pool)]
	r.index++
	return &def, nil
}
