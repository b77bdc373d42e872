// Package notify publishes tick-completion events for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// TickEvent summarizes one scheduler tick.
type TickEvent struct {
	TickID           string    `json:"tick_id"`
	Timestamp        time.Time `json:"timestamp"`
	RunsDispatched   int       `json:"runs_dispatched"`
	RunsFailed       int       `json:"runs_failed"`
	ArticlesIngested int       `json:"articles_ingested"`
	RemainingBudget  int       `json:"remaining_budget"`
}

// Publisher pushes tick events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, event TickEvent) error
	Close() error
}

// NoOpPublisher discards events.
type NoOpPublisher struct{}

// Publish for NoOpPublisher does nothing and always returns nil.
func (NoOpPublisher) Publish(context.Context, TickEvent) error { return nil }

// Close for NoOpPublisher does nothing and always returns nil.
func (NoOpPublisher) Close() error { return nil }

// PubSubPublisher implements Publisher for Google Cloud Pub/Sub. It
// authenticates using Application Default Credentials.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher creates a Pub/Sub client and verifies the topic exists.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish sends the event and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, event TickEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal tick event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: body})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish tick event: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
