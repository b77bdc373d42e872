package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/app"
	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/config"
	"github.com/crawlops/governor/internal/notify"
	"github.com/crawlops/governor/internal/overlay"
	"github.com/crawlops/governor/internal/paywall"
	"github.com/crawlops/governor/internal/runner"
	"github.com/crawlops/governor/internal/sources"
	"github.com/crawlops/governor/internal/state"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface commands use. It is an interface so
// tests can inject a mock container.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Backend() backend.Client
	Sources() *sources.Store
	StateSink() state.Sink
	Publisher() notify.Publisher
	Policies() runner.Policies
	Detector() *paywall.Detector
	Aggregator() *paywall.Aggregator
	Overlay() *overlay.Handler
}

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return app.NewApp(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governor",
		Short: "Budget-aware crawl governance for the news ingestion fleet.",
		Long: `governor decides what the crawl fleet fetches and when: it keeps the
crawl schedule, divides the hourly article budget across due runs, enforces
per-domain politeness and paywall consensus, and dispatches jobs to the
crawl engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE, so
		// every subcommand finds an initialized service container in its
		// context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newTickCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newGenerateScheduleCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
