// Package robots caches per-domain robots.txt policy with a TTL and a
// configurable fallback for hosts whose policy cannot be fetched.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/metrics"
)

// Decision is the outcome of a robots policy check.
type Decision int

// Decision values.
const (
	Allowed Decision = iota
	Denied
)

// Verdict names which path produced the decision so callers and tests can
// distinguish a real policy answer from a degraded one.
type Verdict struct {
	Decision          Decision
	PolicyUnavailable bool
	FallbackUsed      bool
}

// Allowed reports whether the check permits the fetch.
func (v Verdict) Allowed() bool { return v.Decision == Allowed }

// Config tunes the cache.
type Config struct {
	UserAgent      string
	TTL            time.Duration
	FetchTimeout   time.Duration
	AllowOnFailure bool
}

type entry struct {
	data      *robotstxt.RobotsData
	fallback  bool
	expiresAt time.Time
}

// Cache is a TTL-bound per-domain robots.txt cache.
type Cache struct {
	client      *http.Client
	mu          sync.Mutex
	entries     map[string]entry
	userAgent   string
	ttl         time.Duration
	allowOnFail bool
	logger      *zap.Logger
	now         func() time.Time
}

// New builds a Cache.
func New(cfg Config, logger *zap.Logger) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "governor-bot/1.0"
	}
	return &Cache{
		client:      &http.Client{Timeout: timeout},
		entries:     make(map[string]entry),
		userAgent:   ua,
		ttl:         ttl,
		allowOnFail: cfg.AllowOnFailure,
		logger:      logger,
		now:         time.Now,
	}
}

// IsAllowed is the boolean convenience wrapper over Check.
func (c *Cache) IsAllowed(ctx context.Context, rawURL string) bool {
	return c.Check(ctx, rawURL).Allowed()
}

// Check resolves the robots verdict for a URL. Internal errors default to
// allow; fetch failures install the configured fallback policy for the TTL.
func (c *Cache) Check(ctx context.Context, rawURL string) Verdict {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		// Unparseable input never blocks a crawl decision.
		return Verdict{Decision: Allowed, PolicyUnavailable: true}
	}

	// Host keeps the port, so non-default ports fetch their own policy.
	ent := c.lookup(ctx, strings.ToLower(parsed.Host))
	group := ent.data.FindGroup(c.userAgent)
	decision := Allowed
	if group != nil && !group.Test(pathOf(parsed)) {
		decision = Denied
	}
	return Verdict{
		Decision:          decision,
		PolicyUnavailable: ent.fallback,
		FallbackUsed:      ent.fallback,
	}
}

func (c *Cache) lookup(ctx context.Context, host string) entry {
	c.mu.Lock()
	ent, ok := c.entries[host]
	c.mu.Unlock()
	if ok && c.now().Before(ent.expiresAt) {
		return ent
	}

	data, err := c.fetch(ctx, host)
	if err != nil {
		c.logger.Warn("robots fetch failed; installing fallback policy",
			zap.String("host", host),
			zap.Bool("allow", c.allowOnFail),
			zap.Error(err))
		metrics.ObserveRobotsFallback()
		data = syntheticPolicy(c.allowOnFail)
		ent = entry{data: data, fallback: true, expiresAt: c.now().Add(c.ttl)}
	} else {
		ent = entry{data: data, expiresAt: c.now().Add(c.ttl)}
	}

	c.mu.Lock()
	c.entries[host] = ent
	c.mu.Unlock()
	return ent
}

// fetch tries https first, then http.
func (c *Cache) fetch(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		data, err := c.fetchScheme(ctx, scheme, host)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Cache) fetchScheme(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func syntheticPolicy(allow bool) *robotstxt.RobotsData {
	if allow {
		data, _ := robotstxt.FromString("")
		return data
	}
	data, _ := robotstxt.FromString("User-agent: *\nDisallow: /\n")
	return data
}

func pathOf(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
