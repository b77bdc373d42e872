package state

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes tick records as JSON objects into a bucket. It
// authenticates with Application Default Credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink builds a sink over the given bucket.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if prefix == "" {
		prefix = "governance"
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Save implements Sink.
func (s *GCSSink) Save(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}
	object := fmt.Sprintf("%s/%s/%s.json", s.prefix, rec.Timestamp.UTC().Format("2006/01/02"), rec.TickID)
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write state object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close state object %s: %w", object, err)
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSSink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
