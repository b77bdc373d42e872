// Package runner executes one budget-aware scheduler tick: it selects the
// due runs, allocates the hourly article budget across them, dispatches jobs
// to the crawl engine, and records every outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/metrics"
	"github.com/crawlops/governor/internal/notify"
	"github.com/crawlops/governor/internal/schedule"
	"github.com/crawlops/governor/internal/state"
)

// ErrJobTimeout marks a job that never reached a terminal state within the
// configured timeout. It is distinct from a failure the engine reported.
var ErrJobTimeout = errors.New("job polling timed out")

// Skip reasons recorded on runs the budget could not cover.
const (
	ReasonBudgetExhausted    = "budget exhausted"
	ReasonInsufficientBudget = "insufficient per-site budget"
	ReasonAllExcluded        = "all domains excluded by policy"
	ReasonDryRun             = "dry run"
)

// Options tunes one tick.
type Options struct {
	// Budget overrides the schedule's target_articles_per_hour when > 0.
	Budget       int
	Timeout      time.Duration
	PollInterval time.Duration
	Strategy     string
	EnableAI     bool
	DryRun       bool
	// NoWait skips the sleep to each run's fire instant.
	NoWait bool
}

// Runner ties the schedule to the crawl engine.
type Runner struct {
	schedule  *schedule.Schedule
	client    backend.Client
	sink      state.Sink
	publisher notify.Publisher
	policies  Policies
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// New builds a Runner. Sink and publisher may be the no-op implementations;
// a zero Policies runs every domain ungated.
func New(sched *schedule.Schedule, client backend.Client, sink state.Sink, publisher notify.Publisher, policies Policies, logger *zap.Logger, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Runner{
		schedule:  sched,
		client:    client,
		sink:      sink,
		publisher: publisher,
		policies:  policies,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// TickResult is the in-memory outcome of one tick, mirrored by the persisted
// state record.
type TickResult struct {
	Record   state.Record
	failures int
}

// Failed reports whether any run hit a transport failure or timeout. Budget
// skips are governance decisions, not failures.
func (r TickResult) Failed() bool { return r.failures > 0 }

// effectiveLimit allocates the per-site article limit for a run: the
// configured cap when the whole run fits in the remaining budget, otherwise
// an even floored split of what is left.
func effectiveLimit(remaining, siteCap, domains int) int {
	if remaining <= 0 || domains <= 0 || siteCap <= 0 {
		return 0
	}
	if siteCap*domains <= remaining {
		return siteCap
	}
	return remaining / domains
}

// Tick processes every run due at ref. Cancellation between runs stops the
// tick cleanly; outcomes recorded so far are still persisted.
func (r *Runner) Tick(ctx context.Context, ref time.Time) (TickResult, error) {
	tickID := uuid.NewString()
	remaining := r.schedule.Global.TargetArticlesPerHour
	if r.opts.Budget > 0 {
		remaining = r.opts.Budget
	}
	target := remaining

	due := r.schedule.DueRuns(ref)
	r.logger.Info("tick started",
		zap.String("tick_id", tickID),
		zap.Time("ref", ref),
		zap.Int("due_runs", len(due)),
		zap.Int("budget", remaining),
		zap.Bool("dry_run", r.opts.DryRun))

	result := TickResult{Record: state.Record{
		TickID:          tickID,
		Timestamp:       ref,
		ScheduleVersion: r.schedule.Version,
		TargetBudget:    target,
		DryRun:          r.opts.DryRun,
		Governance:      r.schedule.Global.Governance,
		Runs:            make([]state.RunOutcome, 0, len(due)),
	}}

	var worstLag time.Duration
	var articlesTotal, domainsTotal, dispatched int

	for _, run := range due {
		if ctx.Err() != nil {
			r.logger.Warn("tick cancelled between runs", zap.String("tick_id", tickID))
			break
		}

		outcome := state.RunOutcome{
			Name:     run.Name,
			Priority: run.Priority,
			Domains:  run.Domains,
		}

		if remaining <= 0 {
			outcome.Status = state.RunSkipped
			outcome.Reason = ReasonBudgetExhausted
			r.recordSkip(&result, outcome)
			continue
		}

		eligible, excluded := r.gateDomains(ctx, run.Domains)
		outcome.ExcludedDomains = excluded
		if ctx.Err() != nil {
			r.logger.Warn("tick cancelled while gating domains", zap.String("run", run.Name))
			break
		}
		if len(eligible) == 0 {
			outcome.Status = state.RunSkipped
			outcome.Reason = ReasonAllExcluded
			r.recordSkip(&result, outcome)
			continue
		}

		limit := effectiveLimit(remaining, r.schedule.SiteCap(run), len(eligible))
		if limit == 0 {
			outcome.Status = state.RunSkipped
			outcome.Reason = ReasonInsufficientBudget
			r.recordSkip(&result, outcome)
			continue
		}
		outcome.EffectiveLimit = limit

		if !r.opts.NoWait {
			lag, err := r.waitForFire(ctx, run.Cadence.FireTime(ref))
			if err != nil {
				r.logger.Warn("tick cancelled while waiting for fire time",
					zap.String("run", run.Name), zap.Error(err))
				break
			}
			outcome.LagSeconds = lag.Seconds()
			if lag > worstLag {
				worstLag = lag
			}
		}

		if r.opts.DryRun {
			outcome.Status = state.RunDispatched
			outcome.Reason = ReasonDryRun
			outcome.DomainsCrawled = len(eligible)
			domainsTotal += len(eligible)
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunDispatched))
			continue
		}

		if err := r.acquireSlots(ctx, eligible); err != nil {
			r.logger.Warn("tick cancelled while pacing dispatch",
				zap.String("run", run.Name), zap.Error(err))
			break
		}

		req := backend.JobRequest{
			Domains:            eligible,
			MaxArticlesPerSite: limit,
			ConcurrentSites:    r.schedule.Concurrency(run),
			Strategy:           r.opts.Strategy,
			EnableAI:           r.opts.EnableAI,
			TimeoutSeconds:     int(r.opts.Timeout.Seconds()),
			ScheduleName:       run.Name,
			Priority:           run.Priority,
			MaxSites:           len(eligible),
		}
		if r.policies.Proxies != nil {
			def, err := r.policies.Proxies.NextProxy(ctx)
			if err != nil {
				outcome.Status = state.RunFailed
				outcome.Error = fmt.Sprintf("select proxy: %v", err)
				result.failures++
				result.Record.Runs = append(result.Record.Runs, outcome)
				metrics.ObserveRun(string(state.RunFailed))
				r.logger.Error("no egress proxy available", zap.String("run", run.Name), zap.Error(err))
				continue
			}
			if def != nil {
				req.ProxyURL = def.URL
			}
		}
		if r.policies.Agents != nil {
			ua, err := r.policies.Agents.Choose(eligible[0])
			if err != nil {
				r.logger.Warn("user agent selection failed", zap.String("run", run.Name), zap.Error(err))
			} else {
				req.UserAgent = ua
			}
		}

		jobRef, err := r.client.Submit(ctx, req)
		if err != nil {
			outcome.Status = state.RunFailed
			outcome.Error = err.Error()
			result.failures++
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunFailed))
			r.logger.Error("job submission failed", zap.String("run", run.Name), zap.Error(err))
			continue
		}
		outcome.JobID = jobRef.JobID
		dispatched++

		status, err := r.await(ctx, jobRef.JobID)
		switch {
		case err != nil && ctx.Err() != nil:
			// Cancelled mid-poll: the job keeps running server-side and the
			// budget stays untouched.
			outcome.Status = state.RunDispatched
			outcome.Error = err.Error()
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunDispatched))
			r.logger.Warn("tick cancelled mid-poll, abandoning job",
				zap.String("run", run.Name), zap.String("job_id", jobRef.JobID))
		case err != nil:
			outcome.Status = state.RunFailed
			outcome.Error = err.Error()
			result.failures++
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunFailed))
			r.logger.Error("job did not finish", zap.String("run", run.Name),
				zap.String("job_id", jobRef.JobID), zap.Error(err))
		case status.Status == backend.JobFailed:
			outcome.Status = state.RunFailed
			outcome.Error = status.Error
			result.failures++
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunFailed))
			r.reportProxy(false, status.Error)
			r.logger.Error("job reported failure", zap.String("run", run.Name),
				zap.String("job_id", jobRef.JobID), zap.String("error", status.Error))
		default:
			articles, crawled := r.completedCounts(run.Name, limit, len(eligible), status)
			r.reportProxy(true, "")
			if status.Result != nil {
				r.reportPaywalled(ctx, status.Result.PaywalledDomains)
			}
			outcome.Status = state.RunCompleted
			outcome.ArticlesIngested = articles
			outcome.DomainsCrawled = crawled
			remaining -= articles
			if remaining < 0 {
				remaining = 0
			}
			articlesTotal += articles
			domainsTotal += crawled
			result.Record.Runs = append(result.Record.Runs, outcome)
			metrics.ObserveRun(string(state.RunCompleted))
			metrics.ObserveDispatch(crawled, articles)
			metrics.MarkSuccess(r.now())
			r.logger.Info("run completed",
				zap.String("run", run.Name),
				zap.String("job_id", jobRef.JobID),
				zap.Int("articles", articles),
				zap.Int("remaining_budget", remaining))
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Record.RemainingBudget = remaining
	metrics.SetWorstLag(worstLag)
	metrics.SetRemainingBudget(remaining)

	return result, r.finish(ctx, &result, tickID, ref, dispatched, articlesTotal, domainsTotal, remaining)
}

// completedCounts extracts ingested and crawled counts from a completed
// status, falling back to the allocation estimate when the engine omitted the
// ingested count.
func (r *Runner) completedCounts(name string, limit, domains int, status backend.JobStatus) (articles, crawled int) {
	crawled = domains
	if status.Result != nil && status.Result.Domains > 0 {
		crawled = status.Result.Domains
	}
	if status.Result != nil && status.Result.ArticlesIngested != nil {
		return *status.Result.ArticlesIngested, crawled
	}
	articles = limit * domains
	metrics.ObserveBudgetFallback()
	r.logger.Warn("engine omitted ingested count, charging allocation estimate",
		zap.String("run", name), zap.Int("estimate", articles))
	return articles, crawled
}

func (r *Runner) recordSkip(result *TickResult, outcome state.RunOutcome) {
	result.Record.Runs = append(result.Record.Runs, outcome)
	metrics.ObserveRun(string(state.RunSkipped))
	r.logger.Info("run skipped", zap.String("run", outcome.Name), zap.String("reason", outcome.Reason))
}

// waitForFire sleeps until the run's fire instant and returns how far behind
// it we started, clamped at zero.
func (r *Runner) waitForFire(ctx context.Context, fire time.Time) (time.Duration, error) {
	if delay := fire.Sub(r.now()); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	lag := r.now().Sub(fire)
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// await polls the job until it reaches a terminal state, the timeout elapses,
// or the context is cancelled. Transient poll errors are retried on the next
// interval.
func (r *Runner) await(ctx context.Context, jobID string) (backend.JobStatus, error) {
	deadline := time.NewTimer(r.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := r.client.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return backend.JobStatus{}, ctx.Err()
			}
			r.logger.Warn("status poll failed", zap.String("job_id", jobID), zap.Error(err))
		} else if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return backend.JobStatus{}, ctx.Err()
		case <-deadline.C:
			return backend.JobStatus{}, fmt.Errorf("%w after %s", ErrJobTimeout, r.opts.Timeout)
		case <-ticker.C:
		}
	}
}

// finish persists the state record, publishes the tick event, and logs the
// tick summary. Persistence failures are returned, not swallowed.
func (r *Runner) finish(ctx context.Context, result *TickResult, tickID string, ref time.Time, dispatched, articles, domains, remaining int) error {
	event := notify.TickEvent{
		TickID:           tickID,
		Timestamp:        ref,
		RunsDispatched:   dispatched,
		RunsFailed:       result.failures,
		ArticlesIngested: articles,
		RemainingBudget:  remaining,
	}

	// Saving must survive the cancellation that may have ended the tick.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	var errs []error
	if err := r.sink.Save(saveCtx, result.Record); err != nil {
		errs = append(errs, fmt.Errorf("save tick record: %w", err))
	}
	if err := r.publisher.Publish(saveCtx, event); err != nil {
		errs = append(errs, fmt.Errorf("publish tick event: %w", err))
	}

	r.logger.Info("tick finished",
		zap.String("tick_id", tickID),
		zap.Int("dispatched", dispatched),
		zap.Int("failed", result.failures),
		zap.Int("articles", articles),
		zap.Int("domains", domains),
		zap.Int("remaining_budget", remaining))
	return errors.Join(errs...)
}
