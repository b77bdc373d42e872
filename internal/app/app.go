// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/config"
	"github.com/crawlops/governor/internal/logging"
	"github.com/crawlops/governor/internal/metrics"
	"github.com/crawlops/governor/internal/notify"
	"github.com/crawlops/governor/internal/overlay"
	"github.com/crawlops/governor/internal/paywall"
	"github.com/crawlops/governor/internal/policy/ratelimit"
	"github.com/crawlops/governor/internal/policy/robots"
	"github.com/crawlops/governor/internal/proxy"
	"github.com/crawlops/governor/internal/runner"
	"github.com/crawlops/governor/internal/sources"
	"github.com/crawlops/governor/internal/state"
	"github.com/crawlops/governor/internal/stealth"
)

// App holds the shared, long-lived services: logger, crawl-engine client,
// source store, state sink, tick-event publisher and the policy components
// the runner and API consult. It is initialized once at startup and passed
// to the commands that need it.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	client     backend.Client
	sources    *sources.Store
	sink       state.Sink
	publisher  notify.Publisher
	limiter    *ratelimit.Limiter
	robots     *robots.Cache
	rotator    proxy.Rotator
	agents     *stealth.UserAgents
	detector   *paywall.Detector
	aggregator *paywall.Aggregator
	consent    *overlay.Handler
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Backend returns the crawl-engine client.
func (a *App) Backend() backend.Client { return a.client }

// Sources returns the relational source store, or nil when no database is
// configured.
func (a *App) Sources() *sources.Store { return a.sources }

// StateSink returns the governance-state sink.
func (a *App) StateSink() state.Sink { return a.sink }

// Publisher returns the tick-event publisher.
func (a *App) Publisher() notify.Publisher { return a.publisher }

// Detector returns the per-fetch paywall detector.
func (a *App) Detector() *paywall.Detector { return a.detector }

// Aggregator returns the paywall consensus ledger.
func (a *App) Aggregator() *paywall.Aggregator { return a.aggregator }

// Overlay returns the consent-overlay handler.
func (a *App) Overlay() *overlay.Handler { return a.consent }

// Policies bundles the admission gates for the tick runner. The proxy gate
// is absent when no proxy pool is configured.
func (a *App) Policies() runner.Policies {
	p := runner.Policies{
		Limiter: a.limiter,
		Robots:  a.robots,
		Agents:  a.agents,
		Paywall: a.aggregator,
	}
	if a.rotator != nil {
		p.Proxies = a.rotator
	}
	return p
}

// NewApp creates and wires all services from the configuration. It fails
// fast when a critical service cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	metrics.Init()
	logger.Info("initializing application services")

	a := &App{cfg: cfg, logger: logger}

	if cfg.Backend.BaseURL != "" {
		client, err := backend.NewHTTPClient(backend.Config{
			BaseURL:    cfg.Backend.BaseURL,
			APIKey:     cfg.Backend.APIKey,
			Timeout:    time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Backend.MaxRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize backend client: %w", err)
		}
		a.client = client
		logger.Info("using HTTP crawl backend", zap.String("base_url", cfg.Backend.BaseURL))
	} else {
		a.client = backend.NopClient{}
		logger.Info("no backend configured, dispatches are no-ops")
	}

	if cfg.DB.DSN != "" {
		store, err := sources.NewStore(ctx, sources.StoreConfig{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			ConfirmationTTL: time.Duration(cfg.Paywall.ConfirmationTTLDays) * 24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize source store: %w", err)
		}
		a.sources = store
		logger.Info("connected to source database", zap.String("table", cfg.DB.Table))
	} else {
		logger.Info("no database configured, source store disabled")
	}

	a.limiter = ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	})
	a.robots = robots.New(robots.Config{
		UserAgent:      cfg.Robots.UserAgent,
		TTL:            time.Duration(cfg.Robots.TTLHours) * time.Hour,
		FetchTimeout:   time.Duration(cfg.Robots.FetchTimeoutSeconds) * time.Second,
		AllowOnFailure: cfg.Robots.AllowOnFailure,
	}, logger)

	if len(cfg.Proxy.URLs) > 0 {
		if cfg.Proxy.RotatingSession {
			session, err := proxy.NewSession(proxy.SessionConfig{
				URLs:         cfg.Proxy.URLs,
				Username:     cfg.Proxy.Username,
				Password:     cfg.Proxy.Password,
				ReuseLimit:   cfg.Proxy.ReuseLimit,
				MaxRetries:   cfg.Proxy.MaxRetries,
				BackoffBase:  time.Duration(cfg.Proxy.BackoffBaseMs) * time.Millisecond,
				BackoffMax:   time.Duration(cfg.Proxy.BackoffMaxMs) * time.Millisecond,
				ProbeTimeout: time.Duration(cfg.Proxy.ProbeTimeoutMs) * time.Millisecond,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("initialize proxy session: %w", err)
			}
			a.rotator = session
			logger.Info("using rotating proxy session", zap.Int("hosts", len(cfg.Proxy.URLs)))
		} else {
			a.rotator = proxy.NewRoundRobin(cfg.Proxy.URLs)
			logger.Info("using round-robin proxy pool", zap.Int("hosts", len(cfg.Proxy.URLs)))
		}
	}

	a.agents = stealth.NewUserAgents(cfg.Stealth.DomainOverrides, cfg.Stealth.UserAgents, cfg.Stealth.DefaultUserAgent)

	var classifier paywall.Classifier
	if cfg.Paywall.RemoteURL != "" {
		classifier = paywall.NewHTTPClassifier(cfg.Paywall.RemoteURL, cfg.Paywall.RemoteQPS, 10*time.Second)
		logger.Info("remote paywall classifier enabled", zap.String("endpoint", cfg.Paywall.RemoteURL))
	}
	a.detector = paywall.NewDetector(cfg.Paywall.MinContentBytes, classifier, logger)
	a.consent = overlay.NewHandler(logger)

	// A typed-nil store must not become a non-nil Recorder interface.
	var recorder paywall.Recorder
	if a.sources != nil {
		recorder = a.sources
	}
	a.aggregator = paywall.NewAggregator(cfg.Paywall.ConfirmThreshold, recorder, logger)
	if a.sources != nil {
		counts, err := a.sources.PaywallCounts(ctx)
		if err != nil {
			logger.Warn("paywall counter seed failed", zap.Error(err))
		} else {
			a.aggregator.Seed(counts)
		}
	}

	switch cfg.State.Provider {
	case "local":
		sink, err := state.NewLocalSink(cfg.State.Dir, cfg.State.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initialize local state sink: %w", err)
		}
		a.sink = sink
		logger.Info("using local state sink", zap.String("dir", cfg.State.Dir))
	case "gcs":
		sink, err := state.NewGCSSink(ctx, cfg.State.GCSBucket, cfg.State.Prefix)
		if err != nil {
			return nil, fmt.Errorf("initialize GCS state sink: %w", err)
		}
		a.sink = sink
		logger.Info("using GCS state sink", zap.String("bucket", cfg.State.GCSBucket))
	case "noop":
		a.sink = state.NoOpSink{}
		logger.Info("state records will be discarded")
	default:
		return nil, fmt.Errorf("unknown state provider: %s", cfg.State.Provider)
	}

	switch cfg.Notify.Provider {
	case "pubsub":
		pub, err := notify.NewPubSubPublisher(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.publisher = pub
		logger.Info("publishing tick events to Pub/Sub", zap.String("topic", cfg.Notify.TopicID))
	case "noop":
		a.publisher = notify.NoOpPublisher{}
		logger.Info("tick events will not be published")
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", cfg.Notify.Provider)
	}

	logger.Info("application services initialized")
	return a, nil
}

// Close gracefully shuts down all services in the container. It is called by
// a Cobra hook after the command finishes.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.sources != nil {
		a.sources.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing publisher", zap.Error(err))
		}
	}
	if closer, ok := a.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("error closing state sink", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
