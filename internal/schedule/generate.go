package schedule

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceRef is the slice of a source row the generator needs: a domain,
// a URL, or both.
type SourceRef struct {
	Domain string
	URL    string
}

// GenerateOptions controls schedule generation from a live source list.
type GenerateOptions struct {
	ChunkSize  int
	EveryHours int
	Metadata   map[string]string
	Global     GlobalConfig
}

// Generate builds a schedule by chunking the deduplicated host list: one run
// per chunk, priority equal to the chunk index, minute offsets spread evenly
// across the hour. Empty or unusable input is an error; Generate never
// produces a zero-run schedule.
//
// Offsets are spaced max(1, 60/runCount) minutes apart, so they are distinct
// for up to 60 runs; beyond that they wrap.
func Generate(sources []SourceRef, opts GenerateOptions) (*Schedule, error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10
	}

	hosts := collectHosts(sources)
	if len(hosts) == 0 {
		return nil, fmt.Errorf("generate schedule: no usable hosts in %d sources: %w", len(sources), ErrNoRuns)
	}

	runCount := (len(hosts) + chunkSize - 1) / chunkSize
	spread := 60 / runCount
	if spread < 1 {
		spread = 1
	}

	runs := make([]Run, 0, runCount)
	for i := 0; i < runCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(hosts) {
			end = len(hosts)
		}
		runs = append(runs, Run{
			Name:    fmt.Sprintf("auto-%03d", i+1),
			Domains: hosts[start:end],
			Cadence: Cadence{
				EveryHours:   opts.EveryHours,
				MinuteOffset: (i * spread) % 60,
			},
			Enabled:  true,
			Priority: i,
		})
	}

	s := &Schedule{
		Version:  1,
		Metadata: opts.Metadata,
		Global:   opts.Global,
		Runs:     runs,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteFile marshals the schedule to YAML at path.
func (s *Schedule) WriteFile(path string) error {
	body, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write schedule %s: %w", path, err)
	}
	return nil
}

// collectHosts extracts, case-folds, de-www's, dedupes and sorts hosts from
// the source refs.
func collectHosts(sources []SourceRef) []string {
	seen := make(map[string]struct{})
	for _, src := range sources {
		host := hostOf(src)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

func hostOf(src SourceRef) string {
	candidate := strings.TrimSpace(src.Domain)
	if candidate == "" {
		candidate = strings.TrimSpace(src.URL)
	}
	if candidate == "" {
		return ""
	}
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
