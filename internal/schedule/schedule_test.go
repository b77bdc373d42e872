package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func testSchedule() *Schedule {
	return &Schedule{
		Version: 1,
		Global: GlobalConfig{
			TargetArticlesPerHour: 120,
			MaxArticlesPerSite:    25,
			ConcurrentSites:       3,
		},
		Runs: []Run{
			{
				Name:     "secondary",
				Domains:  []string{"c.example.com", "d.example.com"},
				Cadence:  Cadence{EveryHours: 1, MinuteOffset: 15},
				Enabled:  true,
				Priority: 20,
			},
			{
				Name:     "high-priority",
				Domains:  []string{"a.example.com", "b.example.com"},
				Cadence:  Cadence{EveryHours: 1, MinuteOffset: 0},
				Enabled:  true,
				Priority: 10,
			},
			{
				Name:     "disabled",
				Domains:  []string{"e.example.com"},
				Cadence:  Cadence{EveryHours: 1, MinuteOffset: 0},
				Enabled:  false,
				Priority: 1,
			},
		},
	}
}

func TestDueRunsOrderingAndFiltering(t *testing.T) {
	s := testSchedule()
	ref := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

	due := s.DueRuns(ref)
	require.Len(t, due, 2)
	require.Equal(t, "high-priority", due[0].Name)
	require.Equal(t, "secondary", due[1].Name)
}

func TestDueRunsTieBreaks(t *testing.T) {
	s := &Schedule{
		Runs: []Run{
			{Name: "b", Domains: []string{"x"}, Enabled: true, Priority: 5, Cadence: Cadence{MinuteOffset: 10}},
			{Name: "a", Domains: []string{"x"}, Enabled: true, Priority: 5, Cadence: Cadence{MinuteOffset: 10}},
			{Name: "c", Domains: []string{"x"}, Enabled: true, Priority: 5, Cadence: Cadence{MinuteOffset: 5}},
		},
	}
	due := s.DueRuns(time.Now())
	require.Equal(t, []string{"c", "a", "b"}, []string{due[0].Name, due[1].Name, due[2].Name})
}

func TestValidate(t *testing.T) {
	s := testSchedule()
	require.NoError(t, s.Validate())

	empty := &Schedule{}
	err := empty.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoRuns))

	noDomains := testSchedule()
	noDomains.Runs[0].Domains = nil
	require.Error(t, noDomains.Validate())

	badOffset := testSchedule()
	badOffset.Runs[0].Cadence.MinuteOffset = 60
	require.Error(t, badOffset.Validate())

	negativeHours := testSchedule()
	negativeHours.Runs[0].Cadence.EveryHours = -1
	require.Error(t, negativeHours.Validate())

	dup := testSchedule()
	dup.Runs[1].Name = dup.Runs[0].Name
	require.Error(t, dup.Validate())
}

func TestSiteCapAndConcurrencyOverrides(t *testing.T) {
	s := testSchedule()
	run := s.Runs[0]
	require.Equal(t, 25, s.SiteCap(run))
	require.Equal(t, 3, s.Concurrency(run))

	run.MaxArticlesPerSite = intPtr(40)
	run.ConcurrentSites = intPtr(1)
	require.Equal(t, 40, s.SiteCap(run))
	require.Equal(t, 1, s.Concurrency(run))
}
