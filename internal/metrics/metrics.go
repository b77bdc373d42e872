// Package metrics exposes Prometheus collectors for the governor service.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var (
	domainsCrawledTotal    prometheus.Counter
	articlesAcceptedTotal  prometheus.Counter
	runsTotal              *prometheus.CounterVec
	scheduleLagSeconds     prometheus.Gauge
	lastSuccessTimestamp   prometheus.Gauge
	budgetFallbackTotal    prometheus.Counter
	paywallDetectionsTotal *prometheus.CounterVec
	rateLimitWaitSeconds   *prometheus.HistogramVec
	proxyRotationsTotal    prometheus.Counter
	robotsFallbackTotal    prometheus.Counter
	remainingBudgetGauge   prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		domainsCrawledTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "governor_domains_crawled_total",
			Help: "Total number of domains dispatched for crawling.",
		})
		articlesAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "governor_articles_accepted_total",
			Help: "Total number of articles reported ingested by the crawl backend.",
		})
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_runs_total",
				Help: "Total number of scheduled runs processed, labeled by outcome.",
			},
			[]string{"status"},
		)
		scheduleLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "governor_schedule_lag_seconds",
			Help: "Worst observed lag behind the scheduled fire instant in the last tick.",
		})
		lastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "governor_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successfully completed run.",
		})
		budgetFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "governor_budget_fallback_total",
			Help: "Times the backend omitted an ingested count and the budget fell back to the allocated estimate.",
		})
		paywallDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_paywall_detections_total",
				Help: "Total paywall detections, labeled by domain.",
			},
			[]string{"domain"},
		)
		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		proxyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "governor_proxy_rotations_total",
			Help: "Total proxy session rotations.",
		})
		robotsFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "governor_robots_fallback_total",
			Help: "Times robots.txt could not be fetched and the configured fallback policy was installed.",
		})
		remainingBudgetGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "governor_remaining_budget",
			Help: "Article budget left after the last tick.",
		})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveDispatch records domains and articles attributed to a completed run.
func ObserveDispatch(domains, articles int) {
	if domains > 0 {
		domainsCrawledTotal.Add(float64(domains))
	}
	if articles > 0 {
		articlesAcceptedTotal.Add(float64(articles))
	}
}

// SetWorstLag records the worst scheduling lag seen in the tick.
func SetWorstLag(lag time.Duration) {
	scheduleLagSeconds.Set(lag.Seconds())
}

// MarkSuccess stamps the last-success gauge.
func MarkSuccess(at time.Time) {
	lastSuccessTimestamp.Set(float64(at.Unix()))
}

// SetRemainingBudget records the post-tick article budget.
func SetRemainingBudget(remaining int) {
	remainingBudgetGauge.Set(float64(remaining))
}

// ObserveBudgetFallback counts a budget decrement taken from the allocation
// estimate instead of a reported ingested count.
func ObserveBudgetFallback() {
	budgetFallbackTotal.Inc()
}

// ObservePaywallDetection counts one paywall detection for a domain.
func ObservePaywallDetection(domain string) {
	paywallDetectionsTotal.WithLabelValues(domain).Inc()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(domain string, d time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveProxyRotation counts one proxy session rotation.
func ObserveProxyRotation() {
	proxyRotationsTotal.Inc()
}

// ObserveRobotsFallback counts one synthetic robots fallback installation.
func ObserveRobotsFallback() {
	robotsFallbackTotal.Inc()
}

// WriteTextfile dumps the default registry in the Prometheus text exposition
// format, for one-shot ticks scraped via the node_exporter textfile collector.
func WriteTextfile(path string) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish metrics file: %w", err)
	}
	return nil
}
