// Package cmd defines and implements the CLI commands for the governor
// executable.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/config"
	"github.com/crawlops/governor/internal/metrics"
	"github.com/crawlops/governor/internal/runner"
	"github.com/crawlops/governor/internal/schedule"
	"github.com/crawlops/governor/internal/state"
)

type tickFlags struct {
	schedulePath string
	budget       int
	timeout      time.Duration
	dryRun       bool
	noWait       bool
	stateDir     string
	metricsFile  string
}

// newTickCmd creates the 'tick' subcommand: one scheduler pass over the runs
// due this hour.
func newTickCmd() *cobra.Command {
	flags := &tickFlags{}
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick",
		Long: `Evaluates the schedule against the current hour, allocates the article
budget across the due runs, dispatches jobs to the crawl engine and waits
for their terminal status. Exits non-zero when any run fails in transport;
budget skips are normal outcomes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTick(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.schedulePath, "schedule", "", "schedule YAML (default from config)")
	cmd.Flags().IntVar(&flags.budget, "budget", 0, "override target articles per hour")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "override per-job timeout")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "plan the tick without dispatching")
	cmd.Flags().BoolVar(&flags.noWait, "no-wait", false, "dispatch immediately instead of waiting for fire times")
	cmd.Flags().StringVar(&flags.stateDir, "state-dir", "", "write the tick record to this directory instead of the configured sink")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "dump metrics in text exposition format after the tick")

	return cmd
}

func runTick(cmd *cobra.Command, flags *tickFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	schedulePath := flags.schedulePath
	if schedulePath == "" {
		schedulePath = cfg.Scheduler.SchedulePath
	}
	sched, err := schedule.Load(schedulePath)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	applyGlobalDefaults(sched, cfg)

	sink := appInstance.StateSink()
	if flags.stateDir != "" {
		local, err := state.NewLocalSink(flags.stateDir, cfg.State.Prefix)
		if err != nil {
			return fmt.Errorf("open state dir: %w", err)
		}
		sink = local
	}

	client := appInstance.Backend()
	if flags.dryRun {
		client = backend.NopClient{}
	}

	timeout := cfg.CrawlTimeout()
	if flags.timeout > 0 {
		timeout = flags.timeout
	}

	r := runner.New(sched, client, sink, appInstance.Publisher(), appInstance.Policies(), logger, runner.Options{
		Budget:       flags.budget,
		Timeout:      timeout,
		PollInterval: cfg.PollInterval(),
		Strategy:     cfg.Scheduler.Strategy,
		EnableAI:     cfg.Scheduler.EnableAI,
		DryRun:       flags.dryRun,
		NoWait:       flags.noWait,
	})

	result, err := r.Tick(cmd.Context(), time.Now())
	if err != nil {
		return err
	}

	if flags.metricsFile != "" {
		if err := metrics.WriteTextfile(flags.metricsFile); err != nil {
			logger.Warn("metrics textfile write failed", zap.Error(err))
		}
	}

	if result.Failed() {
		return fmt.Errorf("tick %s finished with failed runs", result.Record.TickID)
	}
	logger.Info("tick command finished", zap.String("tick_id", result.Record.TickID))
	return nil
}

// applyGlobalDefaults backfills schedule globals left at zero from service
// configuration, so a minimal schedule file still runs.
func applyGlobalDefaults(sched *schedule.Schedule, cfg config.Config) {
	if sched.Global.TargetArticlesPerHour == 0 {
		sched.Global.TargetArticlesPerHour = cfg.Scheduler.TargetArticlesPerHour
	}
	if sched.Global.MaxArticlesPerSite == 0 {
		sched.Global.MaxArticlesPerSite = cfg.Scheduler.MaxArticlesPerSite
	}
	if sched.Global.ConcurrentSites == 0 {
		sched.Global.ConcurrentSites = cfg.Scheduler.ConcurrentSites
	}
}
