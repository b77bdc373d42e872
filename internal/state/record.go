// Package state persists the durable governance snapshot produced by each
// scheduler tick.
package state

import (
	"context"
	"time"
)

// RunStatus is the terminal status of one scheduled run within a tick.
type RunStatus string

// Run outcome values.
const (
	RunDispatched RunStatus = "dispatched"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunSkipped    RunStatus = "skipped"
)

// RunOutcome records everything needed to reconstruct the decision for one
// run.
type RunOutcome struct {
	Name     string    `json:"name"`
	Priority int       `json:"priority"`
	Domains  []string  `json:"domains"`
	Status   RunStatus `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	// ExcludedDomains maps each policy-excluded domain to the gate that
	// rejected it.
	ExcludedDomains  map[string]string `json:"excluded_domains,omitempty"`
	JobID            string            `json:"job_id,omitempty"`
	EffectiveLimit   int               `json:"effective_limit"`
	ArticlesIngested int               `json:"articles_ingested"`
	DomainsCrawled   int               `json:"domains_crawled"`
	LagSeconds       float64           `json:"lag_seconds"`
	Error            string            `json:"error,omitempty"`
}

// Record is the durable per-tick snapshot.
type Record struct {
	TickID          string         `json:"tick_id"`
	Timestamp       time.Time      `json:"timestamp"`
	ScheduleVersion int            `json:"schedule_version"`
	TargetBudget    int            `json:"target_budget"`
	RemainingBudget int            `json:"remaining_budget"`
	DryRun          bool           `json:"dry_run,omitempty"`
	Governance      map[string]any `json:"governance,omitempty"`
	Runs            []RunOutcome   `json:"runs"`
}

// Sink persists tick records.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// NoOpSink discards records. It is useful for tests and dry runs.
type NoOpSink struct{}

// Save for NoOpSink does nothing and always returns nil.
func (NoOpSink) Save(context.Context, Record) error { return nil }
