// Package schedule defines the crawl schedule model: cadences, runs and the
// schedule document the tick runner executes against.
package schedule

import "time"

// Cadence is the hourly-window firing rule for a run: fire in hours where
// hour % EveryHours == 0, at MinuteOffset minutes past the hour.
type Cadence struct {
	EveryHours   int `mapstructure:"every_hours" yaml:"every_hours"`
	MinuteOffset int `mapstructure:"minute_offset" yaml:"minute_offset"`
}

// WindowStart truncates the reference to the top of its hour.
func (c Cadence) WindowStart(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), 0, 0, 0, ref.Location())
}

// IsDue reports whether the cadence fires in the reference's hour window.
// EveryHours == 0 means every hour. The minute offset does not influence
// dueness, only the fire instant within the window.
func (c Cadence) IsDue(ref time.Time) bool {
	if c.EveryHours == 0 {
		return true
	}
	return c.WindowStart(ref).Hour()%c.EveryHours == 0
}

// FireTime is the exact instant within the reference's window at which the
// run should start.
func (c Cadence) FireTime(ref time.Time) time.Time {
	return c.WindowStart(ref).Add(time.Duration(c.MinuteOffset) * time.Minute)
}
