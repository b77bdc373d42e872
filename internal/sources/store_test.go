package sources

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/crawlops/governor/internal/paywall"
)

func TestListScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "sources", 0)
	require.NoError(t, err)

	hardType := "hard"
	meta := []byte(`{"region":"us"}`)
	mock.ExpectQuery("SELECT id, domain, url, paywall, paywall_type, metadata FROM sources").
		WillReturnRows(pgxmock.NewRows([]string{"id", "domain", "url", "paywall", "paywall_type", "metadata"}).
			AddRow(int64(1), "a.example.com", "https://a.example.com", false, (*string)(nil), []byte(nil)).
			AddRow(int64(2), "b.example.com", "https://b.example.com", true, &hardType, meta))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a.example.com", rows[0].Domain)
	require.False(t, rows[0].Paywall)
	require.True(t, rows[1].Paywall)
	require.Equal(t, "hard", rows[1].PaywallType)
	require.Equal(t, "us", rows[1].Metadata["region"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAppliesConfirmationTTL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "sources", 24*time.Hour)
	require.NoError(t, err)

	stale, _ := json.Marshal(map[string]any{
		"paywall_detection": map[string]any{
			"last_detected_at": time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339),
		},
	})
	fresh, _ := json.Marshal(map[string]any{
		"paywall_detection": map[string]any{
			"last_detected_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	hardType := "hard"
	mock.ExpectQuery("SELECT id, domain, url, paywall, paywall_type, metadata FROM sources").
		WillReturnRows(pgxmock.NewRows([]string{"id", "domain", "url", "paywall", "paywall_type", "metadata"}).
			AddRow(int64(1), "stale.com", "https://stale.com", true, &hardType, stale).
			AddRow(int64(2), "fresh.com", "https://fresh.com", true, &hardType, fresh))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.False(t, rows[0].Paywall, "stale confirmation decays when a TTL is set")
	require.True(t, rows[1].Paywall)
}

func TestPaywallCounts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "sources", 0)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT domain, COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"domain", "count"}).
			AddRow("a.com", 4).
			AddRow("b.com", 0))

	counts, err := store.PaywallCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"a.com": 4}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaywalled(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "sources", 0)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE sources").
		WithArgs("gated.com", "hard", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.MarkPaywalled(context.Background(), "gated.com", paywall.MarkParams{
		PaywallType:    "hard",
		SkipStreak:     3,
		TotalSkips:     3,
		LastDetectedAt: time.Now(),
		Threshold:      3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaywalledUnknownDomain(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "sources", 0)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE sources").
		WithArgs("ghost.com", "hard", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkPaywalled(context.Background(), "ghost.com", paywall.MarkParams{PaywallType: "hard"})
	require.Error(t, err)
}

func TestNewStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "bad-table;drop", 0)
	require.Error(t, err)
}
