package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlops/governor/internal/schedule"
)

type generateFlags struct {
	chunkSize  int
	everyHours int
	output     string
}

// newGenerateScheduleCmd creates the 'generate-schedule' subcommand: build a
// schedule YAML from the live source list.
func newGenerateScheduleCmd() *cobra.Command {
	flags := &generateFlags{}
	cmd := &cobra.Command{
		Use:   "generate-schedule",
		Short: "Generate a schedule from the source database",
		Long: `Reads the source list from the database, dedupes and sorts the hosts,
chunks them into runs with evenly spread minute offsets, and writes the
resulting schedule YAML.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerateSchedule(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.chunkSize, "chunk-size", 10, "domains per generated run")
	cmd.Flags().IntVar(&flags.everyHours, "every-hours", 0, "cadence for generated runs (0 = hourly)")
	cmd.Flags().StringVar(&flags.output, "output", "schedule.yaml", "output path for the schedule YAML")

	return cmd
}

func runGenerateSchedule(cmd *cobra.Command, flags *generateFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	store := appInstance.Sources()
	if store == nil {
		return fmt.Errorf("generate-schedule requires db.dsn to be configured")
	}

	rows, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	refs := make([]schedule.SourceRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, schedule.SourceRef{Domain: row.Domain, URL: row.URL})
	}

	sched, err := schedule.Generate(refs, schedule.GenerateOptions{
		ChunkSize:  flags.chunkSize,
		EveryHours: flags.everyHours,
		Global: schedule.GlobalConfig{
			TargetArticlesPerHour: cfg.Scheduler.TargetArticlesPerHour,
			MaxArticlesPerSite:    cfg.Scheduler.MaxArticlesPerSite,
			ConcurrentSites:       cfg.Scheduler.ConcurrentSites,
		},
	})
	if err != nil {
		return err
	}
	if err := sched.WriteFile(flags.output); err != nil {
		return err
	}

	logger.Info("schedule generated",
		zap.String("output", flags.output),
		zap.Int("sources", len(rows)),
		zap.Int("runs", len(sched.Runs)))
	return nil
}
