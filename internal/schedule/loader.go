package schedule

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// ErrNoRuns is returned when a schedule would contain zero runs.
var ErrNoRuns = errors.New("no runs defined")

// Load reads and validates a schedule document from disk. Schedule errors are
// fatal: the runner must never execute a silently empty schedule.
func Load(path string) (*Schedule, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", path, err)
	}

	var s Schedule
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal schedule %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
