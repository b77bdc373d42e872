package schedule

import (
	"fmt"
	"sort"
	"time"
)

// Run is a named, prioritized unit of work covering one or more domains under
// one cadence. Runs are immutable after construction.
type Run struct {
	Name               string   `mapstructure:"name" yaml:"name"`
	Domains            []string `mapstructure:"domains" yaml:"domains"`
	Cadence            Cadence  `mapstructure:",squash" yaml:",inline"`
	Enabled            bool     `mapstructure:"enabled" yaml:"enabled"`
	Priority           int      `mapstructure:"priority" yaml:"priority"`
	MaxArticlesPerSite *int     `mapstructure:"max_articles_per_site" yaml:"max_articles_per_site,omitempty"`
	ConcurrentSites    *int     `mapstructure:"concurrent_sites" yaml:"concurrent_sites,omitempty"`
	Notes              string   `mapstructure:"notes" yaml:"notes,omitempty"`
}

// GlobalConfig carries schedule-wide defaults plus the opaque governance
// payload, passed through to the state record unmodified.
type GlobalConfig struct {
	TargetArticlesPerHour int            `mapstructure:"target_articles_per_hour" yaml:"target_articles_per_hour"`
	MaxArticlesPerSite    int            `mapstructure:"max_articles_per_site" yaml:"max_articles_per_site"`
	ConcurrentSites       int            `mapstructure:"concurrent_sites" yaml:"concurrent_sites"`
	CrawlTimeoutSeconds   int            `mapstructure:"crawl_timeout_seconds" yaml:"crawl_timeout_seconds"`
	Governance            map[string]any `mapstructure:"governance" yaml:"governance,omitempty"`
}

// Schedule is the full crawl schedule document.
type Schedule struct {
	Version  int               `mapstructure:"version" yaml:"version"`
	Metadata map[string]string `mapstructure:"metadata" yaml:"metadata,omitempty"`
	Global   GlobalConfig      `mapstructure:"global" yaml:"global"`
	Runs     []Run             `mapstructure:"runs" yaml:"runs"`
}

// Validate enforces the schedule invariants. A schedule that fails here must
// never be executed.
func (s *Schedule) Validate() error {
	if len(s.Runs) == 0 {
		return fmt.Errorf("schedule: %w", ErrNoRuns)
	}
	seen := make(map[string]struct{}, len(s.Runs))
	for i, run := range s.Runs {
		if run.Name == "" {
			return fmt.Errorf("schedule: run %d has no name", i)
		}
		if _, dup := seen[run.Name]; dup {
			return fmt.Errorf("schedule: duplicate run name %q", run.Name)
		}
		seen[run.Name] = struct{}{}
		if len(run.Domains) == 0 {
			return fmt.Errorf("schedule: run %q has no domains", run.Name)
		}
		if run.Cadence.EveryHours < 0 {
			return fmt.Errorf("schedule: run %q: every_hours must be >= 0", run.Name)
		}
		if run.Cadence.MinuteOffset < 0 || run.Cadence.MinuteOffset >= 60 {
			return fmt.Errorf("schedule: run %q: minute_offset must be in [0,60)", run.Name)
		}
	}
	return nil
}

// DueRuns returns the enabled runs whose cadence fires in the reference's
// hour window, sorted by (priority asc, minute offset asc, name asc) so that
// budget allocation is deterministic.
func (s *Schedule) DueRuns(ref time.Time) []Run {
	due := make([]Run, 0, len(s.Runs))
	for _, run := range s.Runs {
		if !run.Enabled {
			continue
		}
		if !run.Cadence.IsDue(ref) {
			continue
		}
		due = append(due, run)
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Cadence.MinuteOffset != b.Cadence.MinuteOffset {
			return a.Cadence.MinuteOffset < b.Cadence.MinuteOffset
		}
		return a.Name < b.Name
	})
	return due
}

// SiteCap resolves the per-site article cap for a run against the global
// default.
func (s *Schedule) SiteCap(run Run) int {
	if run.MaxArticlesPerSite != nil {
		return *run.MaxArticlesPerSite
	}
	return s.Global.MaxArticlesPerSite
}

// Concurrency resolves the concurrent-sites hint for a run against the
// global default.
func (s *Schedule) Concurrency(run Run) int {
	if run.ConcurrentSites != nil {
		return *run.ConcurrentSites
	}
	return s.Global.ConcurrentSites
}
