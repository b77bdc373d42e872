package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/api"
	"github.com/crawlops/governor/internal/runner"
	"github.com/crawlops/governor/internal/schedule"
)

// newServeCmd creates the 'serve' subcommand: the HTTP surface plus a
// background tick at the top of every hour.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor service",
		Long: `Serves health, metrics, schedule preview and paywall counters over HTTP
and executes one scheduler tick at the top of every hour until interrupted.`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	sched, err := schedule.Load(cfg.Scheduler.SchedulePath)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	applyGlobalDefaults(sched, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewServer(sched, appInstance.Aggregator(), appInstance.Detector(), appInstance.Overlay(), cfg, logger).Handler()
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	r := runner.New(sched, appInstance.Backend(), appInstance.StateSink(), appInstance.Publisher(), appInstance.Policies(), logger, runner.Options{
		Timeout:      cfg.CrawlTimeout(),
		PollInterval: cfg.PollInterval(),
		Strategy:     cfg.Scheduler.Strategy,
		EnableAI:     cfg.Scheduler.EnableAI,
	})
	go tickLoop(ctx, r, logger)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// tickLoop runs one tick per hour, aligned to the top of the hour, until the
// context is cancelled.
func tickLoop(ctx context.Context, r *runner.Runner, logger *zap.Logger) {
	for {
		now := time.Now()
		next := now.Truncate(time.Hour).Add(time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result, err := r.Tick(ctx, time.Now())
		switch {
		case err != nil:
			logger.Error("scheduled tick errored", zap.Error(err))
		case result.Failed():
			logger.Warn("scheduled tick had failed runs", zap.String("tick_id", result.Record.TickID))
		}
	}
}
