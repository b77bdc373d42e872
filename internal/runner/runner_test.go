package runner

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/metrics"
	"github.com/crawlops/governor/internal/notify"
	"github.com/crawlops/governor/internal/paywall"
	"github.com/crawlops/governor/internal/policy/ratelimit"
	"github.com/crawlops/governor/internal/proxy"
	"github.com/crawlops/governor/internal/schedule"
	"github.com/crawlops/governor/internal/state"
	"github.com/crawlops/governor/internal/stealth"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

// fakeClient scripts per-run terminal statuses and records submissions.
type fakeClient struct {
	mu        sync.Mutex
	submits   []backend.JobRequest
	statuses  map[string]backend.JobStatus
	submitErr error
}

func (f *fakeClient) Submit(_ context.Context, req backend.JobRequest) (backend.JobRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.JobRef{}, f.submitErr
	}
	f.submits = append(f.submits, req)
	return backend.JobRef{JobID: "job-" + req.ScheduleName}, nil
}

func (f *fakeClient) Status(_ context.Context, jobID string) (backend.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[jobID]; ok {
		return status, nil
	}
	return backend.JobStatus{Status: backend.JobRunning}, nil
}

type captureSink struct {
	mu  sync.Mutex
	rec *state.Record
}

func (c *captureSink) Save(_ context.Context, rec state.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec = &rec
	return nil
}

func completed(articles int, domains int) backend.JobStatus {
	return backend.JobStatus{
		Status: backend.JobCompleted,
		Result: &backend.JobResult{ArticlesIngested: &articles, Domains: domains},
	}
}

func testSchedule(runs ...schedule.Run) *schedule.Schedule {
	return &schedule.Schedule{
		Version: 3,
		Global: schedule.GlobalConfig{
			TargetArticlesPerHour: 100,
			MaxArticlesPerSite:    40,
			ConcurrentSites:       4,
			Governance: map[string]any{
				"owner": "crawl-ops",
			},
		},
		Runs: runs,
	}
}

func run(name string, priority int, domains ...string) schedule.Run {
	return schedule.Run{
		Name:     name,
		Domains:  domains,
		Enabled:  true,
		Priority: priority,
	}
}

func newTestRunner(sched *schedule.Schedule, client backend.Client, sink state.Sink, opts Options) *Runner {
	return newPolicyRunner(sched, client, sink, Policies{}, opts)
}

func newPolicyRunner(sched *schedule.Schedule, client backend.Client, sink state.Sink, policies Policies, opts Options) *Runner {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	opts.NoWait = true
	return New(sched, client, sink, notify.NoOpPublisher{}, policies, zap.NewNop(), opts)
}

func TestEffectiveLimit(t *testing.T) {
	cases := []struct {
		remaining int
		want      int
	}{
		{remaining: 200, want: 40},
		{remaining: 80, want: 40},
		{remaining: 70, want: 35},
		{remaining: 1, want: 0},
		{remaining: 0, want: 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, effectiveLimit(tc.remaining, 40, 2),
			"remaining=%d", tc.remaining)
	}
}

func TestTickDispatchesDueRunsInOrder(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-alpha": completed(30, 2),
		"job-beta":  completed(20, 1),
	}}
	sink := &captureSink{}
	sched := testSchedule(
		run("beta", 2, "beta.com"),
		run("alpha", 1, "alpha.com", "alpha.org"),
	)
	r := newTestRunner(sched, client, sink, Options{Strategy: "standard"})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed())

	require.Len(t, client.submits, 2)
	assert.Equal(t, "alpha", client.submits[0].ScheduleName)
	assert.Equal(t, "beta", client.submits[1].ScheduleName)
	assert.Equal(t, 40, client.submits[0].MaxArticlesPerSite)
	assert.Equal(t, 4, client.submits[0].ConcurrentSites)
	assert.Equal(t, "standard", client.submits[0].Strategy)

	require.NotNil(t, sink.rec)
	assert.Equal(t, 100, sink.rec.TargetBudget)
	assert.Equal(t, 50, sink.rec.RemainingBudget)
	assert.Equal(t, 3, sink.rec.ScheduleVersion)
	assert.Equal(t, "crawl-ops", sink.rec.Governance["owner"])
	require.Len(t, sink.rec.Runs, 2)
	assert.Equal(t, state.RunCompleted, sink.rec.Runs[0].Status)
	assert.Equal(t, 30, sink.rec.Runs[0].ArticlesIngested)
	assert.Equal(t, 2, sink.rec.Runs[0].DomainsCrawled)
}

func TestTickSkipsWhenBudgetExhausted(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-first": completed(100, 1),
	}}
	sink := &captureSink{}
	sched := testSchedule(
		run("first", 1, "first.com"),
		run("second", 2, "second.com"),
	)
	sched.Global.MaxArticlesPerSite = 100
	r := newTestRunner(sched, client, sink, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed(), "budget skips are not failures")

	require.Len(t, sink.rec.Runs, 2)
	assert.Equal(t, state.RunSkipped, sink.rec.Runs[1].Status)
	assert.Equal(t, ReasonBudgetExhausted, sink.rec.Runs[1].Reason)
	assert.Equal(t, 0, sink.rec.RemainingBudget)
	require.Len(t, client.submits, 1)
}

func TestTickSkipsWhenPerSiteBudgetInsufficient(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-big": completed(99, 1),
	}}
	sink := &captureSink{}
	sched := testSchedule(
		run("big", 1, "big.com"),
		run("wide", 2, "a.com", "b.com", "c.com"),
	)
	sched.Global.MaxArticlesPerSite = 99
	r := newTestRunner(sched, client, sink, Options{})

	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// 1 article left across 3 domains floors to 0 per site.
	require.Len(t, sink.rec.Runs, 2)
	assert.Equal(t, state.RunSkipped, sink.rec.Runs[1].Status)
	assert.Equal(t, ReasonInsufficientBudget, sink.rec.Runs[1].Reason)
}

func TestTickBudgetOverride(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-only": completed(10, 2),
	}}
	sink := &captureSink{}
	sched := testSchedule(run("only", 1, "x.com", "y.com"))
	r := newTestRunner(sched, client, sink, Options{Budget: 70})

	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// 40*2 > 70, so the limit is the floored even split.
	require.Len(t, client.submits, 1)
	assert.Equal(t, 35, client.submits[0].MaxArticlesPerSite)
	assert.Equal(t, 70, sink.rec.TargetBudget)
	assert.Equal(t, 60, sink.rec.RemainingBudget)
}

func TestTickFallsBackToAllocationEstimate(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-quiet": {Status: backend.JobCompleted},
	}}
	sink := &captureSink{}
	sched := testSchedule(run("quiet", 1, "quiet.com"))
	r := newTestRunner(sched, client, sink, Options{})

	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// No reported count: charge effective_limit * domains = 40.
	require.Len(t, sink.rec.Runs, 1)
	assert.Equal(t, 40, sink.rec.Runs[0].ArticlesIngested)
	assert.Equal(t, 60, sink.rec.RemainingBudget)
}

func TestTickReportedFailureLeavesBudgetUntouched(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-broken": {Status: backend.JobFailed, Error: "engine crashed"},
		"job-after":  completed(5, 1),
	}}
	sink := &captureSink{}
	sched := testSchedule(
		run("broken", 1, "broken.com"),
		run("after", 2, "after.com"),
	)
	r := newTestRunner(sched, client, sink, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, result.Failed())

	require.Len(t, sink.rec.Runs, 2)
	assert.Equal(t, state.RunFailed, sink.rec.Runs[0].Status)
	assert.Equal(t, "engine crashed", sink.rec.Runs[0].Error)
	assert.Equal(t, state.RunCompleted, sink.rec.Runs[1].Status)
	assert.Equal(t, 95, sink.rec.RemainingBudget)
}

func TestTickSubmitErrorIsFailure(t *testing.T) {
	client := &fakeClient{submitErr: errors.New("connection refused")}
	sink := &captureSink{}
	r := newTestRunner(testSchedule(run("down", 1, "down.com")), client, sink, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, state.RunFailed, sink.rec.Runs[0].Status)
	assert.Equal(t, 100, sink.rec.RemainingBudget)
}

func TestTickTimeoutIsDistinctFailure(t *testing.T) {
	// No terminal status scripted: the job stays running forever.
	client := &fakeClient{}
	sink := &captureSink{}
	r := newTestRunner(testSchedule(run("slow", 1, "slow.com")), client, sink, Options{
		Timeout:      20 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.Equal(t, state.RunFailed, sink.rec.Runs[0].Status)
	assert.Contains(t, sink.rec.Runs[0].Error, ErrJobTimeout.Error())
	assert.Equal(t, 100, sink.rec.RemainingBudget)
}

func TestTickDryRunTalliesDomainsOnly(t *testing.T) {
	client := &fakeClient{}
	sink := &captureSink{}
	sched := testSchedule(run("preview", 1, "a.com", "b.com"))
	r := newTestRunner(sched, client, sink, Options{DryRun: true})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed())

	assert.Empty(t, client.submits)
	require.Len(t, sink.rec.Runs, 1)
	assert.Equal(t, state.RunDispatched, sink.rec.Runs[0].Status)
	assert.Equal(t, ReasonDryRun, sink.rec.Runs[0].Reason)
	assert.Equal(t, 2, sink.rec.Runs[0].DomainsCrawled)
	assert.True(t, sink.rec.DryRun)
	assert.Equal(t, 100, sink.rec.RemainingBudget, "dry run never charges the budget")
}

func TestTickEmptyScheduleStillPersistsRecord(t *testing.T) {
	client := &fakeClient{}
	sink := &captureSink{}
	sched := testSchedule(schedule.Run{
		Name:    "nightly",
		Domains: []string{"n.com"},
		Enabled: true,
		Cadence: schedule.Cadence{EveryHours: 6},
	})
	r := newTestRunner(sched, client, sink, Options{})

	// 14:00 is not a multiple of six hours, so nothing is due.
	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed())
	require.NotNil(t, sink.rec)
	assert.Empty(t, sink.rec.Runs)
	assert.Equal(t, 100, sink.rec.RemainingBudget)
}

func TestTickCancellationMidPollAbandonsJob(t *testing.T) {
	client := &fakeClient{}
	sink := &captureSink{}
	sched := testSchedule(
		run("hang", 1, "hang.com"),
		run("never", 2, "never.com"),
	)
	r := newTestRunner(sched, client, sink, Options{
		Timeout:      time.Minute,
		PollInterval: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := r.Tick(ctx, time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err, "the record is still persisted after cancellation")
	assert.False(t, result.Failed())

	require.NotNil(t, sink.rec)
	require.Len(t, sink.rec.Runs, 1, "the second run was never reached")
	assert.Equal(t, state.RunDispatched, sink.rec.Runs[0].Status)
	assert.NotEmpty(t, sink.rec.Runs[0].Error)
	assert.Equal(t, 100, sink.rec.RemainingBudget)
}

// denyRobots disallows a fixed set of domains.
type denyRobots struct {
	blocked map[string]bool
}

func (d denyRobots) IsAllowed(_ context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return !d.blocked[u.Hostname()]
}

// recordingRotator hands out one proxy and counts outcome reports.
type recordingRotator struct {
	mu         sync.Mutex
	url        string
	successes  int
	failures   int
	lastReason string
}

func (r *recordingRotator) NextProxy(context.Context) (*proxy.Definition, error) {
	return &proxy.Definition{URL: r.url}, nil
}

func (r *recordingRotator) ReportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recordingRotator) ReportFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastReason = reason
}

func TestTickExcludesGatedDomains(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-mixed": completed(10, 1),
	}}
	sink := &captureSink{}
	sched := testSchedule(run("mixed", 1, "open.com", "walled.com", "forbidden.com"))

	aggregator := paywall.NewAggregator(2, nil, zap.NewNop())
	aggregator.Seed(map[string]int{"walled.com": 2})
	policies := Policies{
		Robots:  denyRobots{blocked: map[string]bool{"forbidden.com": true}},
		Paywall: aggregator,
	}
	r := newPolicyRunner(sched, client, sink, policies, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed())

	require.Len(t, client.submits, 1)
	assert.Equal(t, []string{"open.com"}, client.submits[0].Domains)
	assert.Equal(t, 1, client.submits[0].MaxSites)

	require.Len(t, sink.rec.Runs, 1)
	assert.Equal(t, map[string]string{
		"walled.com":    ExcludedPaywalled,
		"forbidden.com": ExcludedRobots,
	}, sink.rec.Runs[0].ExcludedDomains)
}

func TestTickSkipsRunWhenEveryDomainExcluded(t *testing.T) {
	client := &fakeClient{}
	sink := &captureSink{}
	sched := testSchedule(run("blocked", 1, "a.com", "b.com"))
	policies := Policies{
		Robots: denyRobots{blocked: map[string]bool{"a.com": true, "b.com": true}},
	}
	r := newPolicyRunner(sched, client, sink, policies, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, result.Failed(), "policy exclusions are governance decisions")

	assert.Empty(t, client.submits)
	require.Len(t, sink.rec.Runs, 1)
	assert.Equal(t, state.RunSkipped, sink.rec.Runs[0].Status)
	assert.Equal(t, ReasonAllExcluded, sink.rec.Runs[0].Reason)
	assert.Equal(t, 100, sink.rec.RemainingBudget)
}

func TestTickAcquiresRateLimitSlotPerDomain(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-paced": completed(5, 2),
	}}
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 10, Window: time.Minute})
	sched := testSchedule(run("paced", 1, "x.com", "y.com"))
	r := newPolicyRunner(sched, client, &captureSink{}, Policies{Limiter: limiter}, Options{})

	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 1, limiter.Pending("x.com"))
	assert.Equal(t, 1, limiter.Pending("y.com"))
}

func TestTickCarriesProxyAndUserAgent(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-out": completed(5, 1),
	}}
	rotator := &recordingRotator{url: "http://proxy-a:8080"}
	agents := stealth.NewUserAgents(nil, nil, "governor-test/1.0")
	sched := testSchedule(run("out", 1, "x.com"))
	r := newPolicyRunner(sched, client, &captureSink{}, Policies{Proxies: rotator, Agents: agents}, Options{})

	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, client.submits, 1)
	assert.Equal(t, "http://proxy-a:8080", client.submits[0].ProxyURL)
	assert.Equal(t, "governor-test/1.0", client.submits[0].UserAgent)
}

func TestTickReportsJobOutcomeToRotator(t *testing.T) {
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-good": completed(5, 1),
		"job-bad":  {Status: backend.JobFailed, Error: "blocked by target"},
	}}
	rotator := &recordingRotator{url: "http://proxy-a:8080"}
	sched := testSchedule(
		run("good", 1, "good.com"),
		run("bad", 2, "bad.com"),
	)
	r := newPolicyRunner(sched, client, &captureSink{}, Policies{Proxies: rotator}, Options{})

	result, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, result.Failed())

	assert.Equal(t, 1, rotator.successes)
	assert.Equal(t, 1, rotator.failures)
	assert.Equal(t, "blocked by target", rotator.lastReason)
}

func TestTickRoutesEnginePaywallReportsIntoConsensus(t *testing.T) {
	articles := 5
	client := &fakeClient{statuses: map[string]backend.JobStatus{
		"job-report": {
			Status: backend.JobCompleted,
			Result: &backend.JobResult{
				ArticlesIngested: &articles,
				Domains:          2,
				PaywalledDomains: []string{"walled.com"},
			},
		},
	}}
	aggregator := paywall.NewAggregator(2, nil, zap.NewNop())
	sched := testSchedule(run("report", 1, "walled.com", "open.com"))
	r := newPolicyRunner(sched, client, &captureSink{}, Policies{Paywall: aggregator}, Options{})

	// First tick: one detection, below the threshold of two.
	_, err := r.Tick(context.Background(), time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, aggregator.Confirmed("walled.com"))

	// Second tick confirms the domain; the third then gates it out.
	_, err = r.Tick(context.Background(), time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, aggregator.Confirmed("walled.com"))

	sink := &captureSink{}
	r = newPolicyRunner(sched, client, sink, Policies{Paywall: aggregator}, Options{})
	_, err = r.Tick(context.Background(), time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, sink.rec.Runs, 1)
	assert.Equal(t, map[string]string{"walled.com": ExcludedPaywalled}, sink.rec.Runs[0].ExcludedDomains)
}

func TestWaitForFireRecordsLag(t *testing.T) {
	r := newTestRunner(testSchedule(run("r", 1, "r.com")), &fakeClient{}, state.NoOpSink{}, Options{})
	fire := time.Date(2026, 8, 30, 9, 15, 0, 0, time.UTC)
	r.now = func() time.Time { return fire.Add(42 * time.Second) }

	lag, err := r.waitForFire(context.Background(), fire)
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, lag)

	// Arriving early never reports negative lag.
	r.now = func() time.Time { return fire.Add(-1 * time.Millisecond) }
	lag, err = r.waitForFire(context.Background(), fire)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lag, time.Duration(0))
}
