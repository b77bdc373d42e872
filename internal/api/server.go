// Package api exposes the HTTP surface of the governor: health, metrics,
// schedule preview, paywall counters and the fleet-facing inspection
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/config"
	"github.com/crawlops/governor/internal/metrics"
	"github.com/crawlops/governor/internal/overlay"
	"github.com/crawlops/governor/internal/paywall"
	"github.com/crawlops/governor/internal/schedule"
)

// Server wires HTTP handlers to the schedule and paywall state.
type Server struct {
	router         chi.Router
	schedule       *schedule.Schedule
	aggregator     *paywall.Aggregator
	detector       *paywall.Detector
	consent        *overlay.Handler
	skipConfidence float64
	logger         *zap.Logger
	now            func() time.Time
}

// NewServer constructs a Server with middleware and routes. The aggregator,
// detector and consent handler may be nil when the matching surface is
// disabled.
func NewServer(sched *schedule.Schedule, aggregator *paywall.Aggregator, detector *paywall.Detector, consent *overlay.Handler, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		schedule:       sched,
		aggregator:     aggregator,
		detector:       detector,
		consent:        consent,
		skipConfidence: cfg.Paywall.SkipConfidence,
		logger:         logger,
		now:            time.Now,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/schedule", s.getSchedule)
		r.Get("/paywall", s.getPaywall)
		r.Post("/paywall/inspect", s.inspectPaywall)
		r.Post("/overlay/remediate", s.remediateOverlay)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scheduleRunView struct {
	Name         string    `json:"name"`
	Priority     int       `json:"priority"`
	Domains      int       `json:"domains"`
	EveryHours   int       `json:"every_hours"`
	MinuteOffset int       `json:"minute_offset"`
	Enabled      bool      `json:"enabled"`
	Due          bool      `json:"due"`
	NextFire     time.Time `json:"next_fire"`
}

type scheduleView struct {
	Version int               `json:"version"`
	At      time.Time         `json:"at"`
	Due     []string          `json:"due"`
	Runs    []scheduleRunView `json:"runs"`
}

// getSchedule previews the schedule against a reference instant, defaulting
// to now; override with ?at=RFC3339.
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed
	}

	view := scheduleView{
		Version: s.schedule.Version,
		At:      at,
		Due:     []string{},
		Runs:    make([]scheduleRunView, 0, len(s.schedule.Runs)),
	}
	for _, run := range s.schedule.DueRuns(at) {
		view.Due = append(view.Due, run.Name)
	}
	for _, run := range s.schedule.Runs {
		view.Runs = append(view.Runs, scheduleRunView{
			Name:         run.Name,
			Priority:     run.Priority,
			Domains:      len(run.Domains),
			EveryHours:   run.Cadence.EveryHours,
			MinuteOffset: run.Cadence.MinuteOffset,
			Enabled:      run.Enabled,
			Due:          run.Enabled && run.Cadence.IsDue(at),
			NextFire:     nextFire(run.Cadence, at),
		})
	}
	s.writeJSON(w, http.StatusOK, view)
}

// nextFire finds the first fire instant at or after ref.
func nextFire(c schedule.Cadence, ref time.Time) time.Time {
	window := c.WindowStart(ref)
	for hops := 0; hops < 25; hops++ {
		probe := window.Add(time.Duration(hops) * time.Hour)
		if !c.IsDue(probe) {
			continue
		}
		fire := c.FireTime(probe)
		if !fire.Before(ref) {
			return fire
		}
	}
	return time.Time{}
}

func (s *Server) getPaywall(w http.ResponseWriter, _ *http.Request) {
	counters := []paywall.Counter{}
	if s.aggregator != nil {
		counters = s.aggregator.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

type inspectRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

type inspectResponse struct {
	Domain     string   `json:"domain"`
	IsPaywall  bool     `json:"is_paywall"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
	Skip       bool     `json:"skip"`
	Count      int      `json:"count,omitempty"`
	Confirmed  bool     `json:"confirmed,omitempty"`
}

// inspectPaywall lets fleet workers submit fetched markup for a paywall
// verdict. A detection past the skip-confidence floor counts toward the
// domain's consensus.
func (s *Server) inspectPaywall(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "paywall inspection disabled")
		return
	}
	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" || req.HTML == "" {
		s.writeError(w, http.StatusBadRequest, "url and html are required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Hostname() == "" {
		s.writeError(w, http.StatusBadRequest, "url must be absolute")
		return
	}
	domain := strings.ToLower(parsed.Hostname())

	detection := s.detector.Inspect(r.Context(), req.HTML, req.URL)
	resp := inspectResponse{
		Domain:     domain,
		IsPaywall:  detection.IsPaywall,
		Confidence: detection.Confidence,
		Signals:    detection.Signals,
		Skip:       detection.ShouldSkip(s.skipConfidence),
	}
	if resp.Skip && s.aggregator != nil {
		resp.Count, resp.Confirmed = s.aggregator.IncrementAndCheck(r.Context(), domain)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type remediateRequest struct {
	HTML string `json:"html"`
}

type remediateResponse struct {
	Detected bool   `json:"detected"`
	Modified bool   `json:"modified"`
	HTML     string `json:"html"`
	Cookie   string `json:"cookie,omitempty"`
}

// remediateOverlay strips consent overlays from submitted markup and hands
// back a synthetic consent cookie for the worker's session.
func (s *Server) remediateOverlay(w http.ResponseWriter, r *http.Request) {
	if s.consent == nil {
		s.writeError(w, http.StatusServiceUnavailable, "overlay remediation disabled")
		return
	}
	var req remediateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		s.writeError(w, http.StatusBadRequest, "html is required")
		return
	}

	result := s.consent.Remediate(req.HTML)
	resp := remediateResponse{
		Detected: s.consent.Detect(req.HTML),
		Modified: result.Modified,
		HTML:     result.HTML,
	}
	if result.Cookie != nil {
		resp.Cookie = result.Cookie.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
