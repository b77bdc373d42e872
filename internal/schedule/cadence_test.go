package schedule

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, time.March, 3, hour, minute, 0, 0, time.UTC)
}

func TestCadenceIsDueHourModulo(t *testing.T) {
	for every := 1; every <= 6; every++ {
		c := Cadence{EveryHours: every, MinuteOffset: 30}
		for hour := 0; hour < 24; hour++ {
			want := hour%every == 0
			// The minute within the hour must not matter.
			for _, minute := range []int{0, 17, 59} {
				if got := c.IsDue(at(hour, minute)); got != want {
					t.Fatalf("every=%d hour=%d minute=%d: got %v want %v", every, hour, minute, got, want)
				}
			}
		}
	}
}

func TestCadenceZeroAlwaysDue(t *testing.T) {
	c := Cadence{EveryHours: 0, MinuteOffset: 45}
	for hour := 0; hour < 24; hour++ {
		if !c.IsDue(at(hour, 10)) {
			t.Fatalf("hour %d: every_hours=0 should always be due", hour)
		}
	}
}

func TestCadenceFireTime(t *testing.T) {
	c := Cadence{EveryHours: 2, MinuteOffset: 15}
	ref := at(14, 42)
	got := c.FireTime(ref)
	want := at(14, 15)
	if !got.Equal(want) {
		t.Fatalf("fire time: got %v want %v", got, want)
	}
}
