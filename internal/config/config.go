// Package config loads and validates governor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Stealth   StealthConfig   `mapstructure:"stealth"`
	Paywall   PaywallConfig   `mapstructure:"paywall"`
	DB        DBConfig        `mapstructure:"db"`
	State     StateConfig     `mapstructure:"state"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the serve-mode HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BackendConfig points at the external crawl engine.
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// SchedulerConfig governs the budget-aware tick runner.
type SchedulerConfig struct {
	SchedulePath          string `mapstructure:"schedule_path"`
	TargetArticlesPerHour int    `mapstructure:"target_articles_per_hour"`
	MaxArticlesPerSite    int    `mapstructure:"max_articles_per_site"`
	ConcurrentSites       int    `mapstructure:"concurrent_sites"`
	CrawlTimeoutSeconds   int    `mapstructure:"crawl_timeout_seconds"`
	PollIntervalSeconds   int    `mapstructure:"poll_interval_seconds"`
	Strategy              string `mapstructure:"strategy"`
	EnableAI              bool   `mapstructure:"enable_ai"`
}

// RateLimitConfig shapes the per-domain sliding window.
type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// RobotsConfig tunes the robots policy cache.
type RobotsConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	TTLHours            int    `mapstructure:"ttl_hours"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	AllowOnFailure      bool   `mapstructure:"allow_on_failure"`
}

// ProxyConfig holds the outbound proxy pool and rotating-session knobs.
type ProxyConfig struct {
	URLs            []string `mapstructure:"urls"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	ReuseLimit      int      `mapstructure:"reuse_limit"`
	MaxRetries      int      `mapstructure:"max_retries"`
	BackoffBaseMs   int      `mapstructure:"backoff_base_ms"`
	BackoffMaxMs    int      `mapstructure:"backoff_max_ms"`
	ProbeTimeoutMs  int      `mapstructure:"probe_timeout_ms"`
	RotatingSession bool     `mapstructure:"rotating_session"`
}

// StealthConfig configures user agents and header profiles.
type StealthConfig struct {
	DefaultUserAgent string              `mapstructure:"default_user_agent"`
	UserAgents       []string            `mapstructure:"user_agents"`
	DomainOverrides  map[string][]string `mapstructure:"domain_overrides"`
}

// PaywallConfig tunes detection and aggregation.
type PaywallConfig struct {
	ConfirmThreshold    int     `mapstructure:"confirm_threshold"`
	SkipConfidence      float64 `mapstructure:"skip_confidence"`
	MinContentBytes     int     `mapstructure:"min_content_bytes"`
	RemoteURL           string  `mapstructure:"remote_url"`
	RemoteQPS           float64 `mapstructure:"remote_qps"`
	ConfirmationTTLDays int     `mapstructure:"confirmation_ttl_days"`
}

// DBConfig controls access to the relational source store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StateConfig selects the governance-state sink.
type StateConfig struct {
	Provider  string `mapstructure:"provider"` // "local", "gcs", "noop"
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig selects the tick-event publisher.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"` // "pubsub", "noop"
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("backend.max_retries", 2)
	v.SetDefault("scheduler.schedule_path", "config/schedule.yaml")
	v.SetDefault("scheduler.target_articles_per_hour", 120)
	v.SetDefault("scheduler.max_articles_per_site", 25)
	v.SetDefault("scheduler.concurrent_sites", 3)
	v.SetDefault("scheduler.crawl_timeout_seconds", 1800)
	v.SetDefault("scheduler.poll_interval_seconds", 15)
	v.SetDefault("scheduler.strategy", "ultra_fast")
	v.SetDefault("scheduler.enable_ai", false)
	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("robots.user_agent", "governor-bot/1.0")
	v.SetDefault("robots.ttl_hours", 24)
	v.SetDefault("robots.fetch_timeout_seconds", 10)
	v.SetDefault("robots.allow_on_failure", true)
	v.SetDefault("proxy.reuse_limit", 8)
	v.SetDefault("proxy.max_retries", 3)
	v.SetDefault("proxy.backoff_base_ms", 500)
	v.SetDefault("proxy.backoff_max_ms", 30000)
	v.SetDefault("proxy.probe_timeout_ms", 2000)
	v.SetDefault("proxy.rotating_session", false)
	v.SetDefault("stealth.default_user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("paywall.confirm_threshold", 3)
	v.SetDefault("paywall.skip_confidence", 0.6)
	v.SetDefault("paywall.min_content_bytes", 600)
	v.SetDefault("paywall.remote_qps", 1.0)
	v.SetDefault("paywall.confirmation_ttl_days", 0)
	v.SetDefault("db.table", "sources")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("state.provider", "local")
	v.SetDefault("state.dir", "data/state")
	v.SetDefault("state.prefix", "governance")
	v.SetDefault("notify.provider", "noop")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TargetArticlesPerHour < 0 {
		return fmt.Errorf("scheduler.target_articles_per_hour must be >= 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be > 0")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be > 0")
	}
	if c.Paywall.ConfirmThreshold <= 0 {
		return fmt.Errorf("paywall.confirm_threshold must be > 0")
	}
	if c.Paywall.SkipConfidence < 0 || c.Paywall.SkipConfidence > 1 {
		return fmt.Errorf("paywall.skip_confidence must be in [0,1]")
	}
	if c.Proxy.RotatingSession && len(c.Proxy.URLs) == 0 {
		return fmt.Errorf("proxy.urls must be set when proxy.rotating_session is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.State.Provider {
	case "local", "gcs", "noop":
	default:
		return fmt.Errorf("unknown state provider: %s", c.State.Provider)
	}
	if c.State.Provider == "gcs" && c.State.GCSBucket == "" {
		return fmt.Errorf("state.gcs_bucket must be set when state provider is 'gcs'")
	}
	switch c.Notify.Provider {
	case "pubsub", "noop":
	default:
		return fmt.Errorf("unknown notify provider: %s", c.Notify.Provider)
	}
	if c.Notify.Provider == "pubsub" && (c.Notify.ProjectID == "" || c.Notify.TopicID == "") {
		return fmt.Errorf("notify.project_id and notify.topic_id must be set when notify provider is 'pubsub'")
	}
	return nil
}

// CrawlTimeout converts the configured job timeout into a duration.
func (c Config) CrawlTimeout() time.Duration {
	return time.Duration(c.Scheduler.CrawlTimeoutSeconds) * time.Second
}

// PollInterval converts the configured poll cadence into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}
