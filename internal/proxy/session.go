package proxy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/metrics"
)

// ErrSessionExhausted is returned when no proxy host can be verified within
// the configured retry budget. No crawling can proceed without egress, so
// callers should treat this as fatal.
var ErrSessionExhausted = errors.New("proxy session: no healthy host available")

// SessionConfig tunes the rotating session.
type SessionConfig struct {
	URLs         []string
	Username     string
	Password     string
	ReuseLimit   int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ProbeTimeout time.Duration
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Session keeps one verified proxy host active, reusing it up to ReuseLimit
// times before rotating. Rotation probes candidates in order (primary first,
// then shuffled alternates) with a lightweight connect check. Reported
// failures force rotation and apply capped exponential backoff.
type Session struct {
	mu            sync.Mutex
	hosts         []Definition
	current       *Definition
	reuseCount    int
	reuseLimit    int
	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	failures      int
	nextAvailable time.Time

	dial         dialFunc
	probeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewSession builds a rotating session from the configured proxy URLs. The
// first URL is the fixed primary; the rest are shuffled once at construction.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("proxy session: at least one proxy url is required")
	}
	hosts := make([]Definition, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		def, err := buildDefinition(raw, cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, def)
	}
	if len(hosts) > 2 {
		shuffle(hosts[1:])
	}

	reuseLimit := cfg.ReuseLimit
	if reuseLimit <= 0 {
		reuseLimit = 8
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxBackoff := cfg.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	d := &net.Dialer{Timeout: probeTimeout}
	return &Session{
		hosts:        hosts,
		reuseLimit:   reuseLimit,
		maxRetries:   maxRetries,
		backoffBase:  base,
		backoffMax:   maxBackoff,
		dial:         d.DialContext,
		probeTimeout: probeTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// NextProxy implements Rotator. It blocks (cancellably) while a reported
// failure's backoff window is open, and rotates to a freshly verified host
// when the active one is exhausted or failed.
func (s *Session) NextProxy(ctx context.Context) (*Definition, error) {
	if err := s.waitBackoff(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.reuseCount < s.reuseLimit {
		s.reuseCount++
		return s.current, nil
	}
	if err := s.rotateLocked(ctx); err != nil {
		return nil, err
	}
	s.reuseCount++
	return s.current, nil
}

// ReportFailure forces rotation and opens an exponential backoff window.
// Callers arriving before the window elapses block in NextProxy.
func (s *Session) ReportFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.current = nil
	s.reuseCount = 0
	delay := s.backoffFor(s.failures)
	s.nextAvailable = s.now().Add(delay)
	s.logger.Warn("proxy failure reported; session backing off",
		zap.String("reason", reason),
		zap.Int("consecutive_failures", s.failures),
		zap.Duration("backoff", delay))
}

// ReportSuccess resets the consecutive failure counter.
func (s *Session) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.nextAvailable = time.Time{}
}

// backoffFor computes base * 2^failures capped at the maximum. Jitter is
// folded inside the capped delay (half fixed, half random) so the total
// never exceeds the configured cap.
func (s *Session) backoffFor(failures int) time.Duration {
	delay := float64(s.backoffBase) * math.Pow(2, float64(failures))
	if delay > float64(s.backoffMax) {
		delay = float64(s.backoffMax)
	}
	half := time.Duration(delay) / 2
	return half + randomJitter(half)
}

func (s *Session) waitBackoff(ctx context.Context) error {
	for {
		s.mu.Lock()
		wait := s.nextAvailable.Sub(s.now())
		s.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("proxy backoff wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// rotateLocked probes hosts in order until one passes the connect check.
// The whole list is retried up to maxRetries times before giving up.
func (s *Session) rotateLocked(ctx context.Context) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		for i := range s.hosts {
			def := s.hosts[i]
			if err := s.probe(ctx, def); err != nil {
				s.logger.Debug("proxy probe failed",
					zap.String("proxy", redact(def.URL)),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				continue
			}
			s.current = &def
			s.reuseCount = 0
			metrics.ObserveProxyRotation()
			return nil
		}
	}
	return fmt.Errorf("after %d attempts over %d hosts: %w", s.maxRetries, len(s.hosts), ErrSessionExhausted)
}

func (s *Session) probe(ctx context.Context, def Definition) error {
	u, err := url.Parse(def.URL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "8080")
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	conn, err := s.dial(probeCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn.Close()
}

func buildDefinition(raw, username, password string) (Definition, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("parse proxy url %q: %w", raw, err)
	}
	if u.Host == "" {
		return Definition{}, fmt.Errorf("proxy url %q has no host", raw)
	}
	if username != "" && u.User == nil {
		u.User = url.UserPassword(username, password)
	}
	return Definition{URL: u.String()}, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	u.User = nil
	return u.String()
}

func shuffle(defs []Definition) {
	for i := len(defs) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(n.Int64())
		defs[i], defs[j] = defs[j], defs[i]
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
