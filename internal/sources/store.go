// Package sources reads the relational source list and writes paywall
// confirmations back to it.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlops/governor/internal/paywall"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SourceRow is one content source as stored upstream.
type SourceRow struct {
	ID          int64
	Domain      string
	URL         string
	Paywall     bool
	PaywallType string
	Metadata    map[string]any
}

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN      string
	Table    string
	MaxConns int32
	// ConfirmationTTL > 0 makes confirmed paywall flags decay at read time
	// once the last detection is older than the TTL. Zero keeps the
	// precision-biased never-clear behavior.
	ConfirmationTTL time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store is the Postgres-backed source list.
type Store struct {
	pool  querier
	table string
	ttl   time.Duration
	now   func() time.Time
}

// NewStore connects a Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "sources"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table, ttl: cfg.ConfirmationTTL, now: time.Now}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool querier, table string, ttl time.Duration) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "sources"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, ttl: ttl, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// List returns every source row. When a confirmation TTL is configured,
// paywall flags whose last detection has aged out are reported cleared.
func (s *Store) List(ctx context.Context) ([]SourceRow, error) {
	query := fmt.Sprintf(`SELECT id, domain, url, paywall, paywall_type, metadata FROM %s ORDER BY domain`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []SourceRow
	for rows.Next() {
		var (
			row          SourceRow
			paywallType  *string
			metadataJSON []byte
		)
		if err := rows.Scan(&row.ID, &row.Domain, &row.URL, &row.Paywall, &paywallType, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		if paywallType != nil {
			row.PaywallType = *paywallType
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &row.Metadata); err != nil {
				return nil, fmt.Errorf("decode source metadata for %s: %w", row.Domain, err)
			}
		}
		if row.Paywall && s.ttl > 0 && s.confirmationExpired(row.Metadata) {
			row.Paywall = false
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

// PaywallCounts extracts the persisted detection tallies keyed by domain,
// for seeding the aggregator across restarts.
func (s *Store) PaywallCounts(ctx context.Context) (map[string]int, error) {
	query := fmt.Sprintf(`
SELECT domain, COALESCE((metadata->'paywall_detection'->>'total_skips')::int, 0)
FROM %s
WHERE metadata ? 'paywall_detection'`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load paywall counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			domain string
			count  int
		)
		if err := rows.Scan(&domain, &count); err != nil {
			return nil, fmt.Errorf("scan paywall count: %w", err)
		}
		if count > 0 {
			counts[domain] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paywall counts: %w", err)
	}
	return counts, nil
}

// MarkPaywalled implements paywall.Recorder: it flags the source and merges
// the detection metadata. The update is idempotent per domain.
func (s *Store) MarkPaywalled(ctx context.Context, domain string, params paywall.MarkParams) error {
	detection := map[string]any{
		"skip_streak":      params.SkipStreak,
		"total_skips":      params.TotalSkips,
		"last_detected_at": params.LastDetectedAt.UTC().Format(time.RFC3339),
		"threshold":        params.Threshold,
	}
	detectionJSON, err := json.Marshal(detection)
	if err != nil {
		return fmt.Errorf("marshal paywall detection: %w", err)
	}

	query := fmt.Sprintf(`
UPDATE %s
SET paywall = TRUE,
    paywall_type = $2,
    metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{paywall_detection}', $3::jsonb, TRUE)
WHERE domain = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, domain, params.PaywallType, detectionJSON)
	if err != nil {
		return fmt.Errorf("mark paywalled %s: %w", domain, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark paywalled %s: no such source", domain)
	}
	return nil
}

func (s *Store) confirmationExpired(metadata map[string]any) bool {
	detection, ok := metadata["paywall_detection"].(map[string]any)
	if !ok {
		return false
	}
	raw, ok := detection["last_detected_at"].(string)
	if !ok {
		return false
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return s.now().Sub(last) > s.ttl
}
