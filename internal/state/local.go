package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSink writes one timestamped JSON file per tick under a directory.
type LocalSink struct {
	dir    string
	prefix string
}

// NewLocalSink ensures the directory exists and returns the sink.
func NewLocalSink(dir, prefix string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if prefix == "" {
		prefix = "governance"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &LocalSink{dir: dir, prefix: prefix}, nil
}

// Save implements Sink.
func (s *LocalSink) Save(_ context.Context, rec Record) error {
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.json", s.prefix, rec.Timestamp.UTC().Format("20060102T150405Z"), rec.TickID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write state record %s: %w", path, err)
	}
	return nil
}
