package rules

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

var ruleTestColumns = []string{
	"id", "user_id", "name", "rule_type", "contract_id", "function_name", "asset_id",
	"watched_address", "amount_threshold", "severity", "cooldown_s", "channels",
	"emails", "webhook_url", "active", "last_triggered_at", "version", "created_at",
	"updated_at",
}

func activeRuleRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(ruleTestColumns).
		AddRow(1, 10, "pool deposits", "contract_call", "SP1.pool", "deposit", nil,
			nil, nil, "warning", 60, "email", "ops@example.com", nil, true, nil, 1, now, now)
}

// TestIndexRebuildOnce tests that repeated reads reuse the cached
// snapshot.
func TestIndexRebuildOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectQuery(`SELECT .+ FROM alert_rule WHERE active = TRUE`).
		WillReturnRows(activeRuleRows())

	idx := NewIndex(store)
	ctx := context.Background()

	snap1, err := idx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap1.RuleCount())

	// Second read must not hit the database.
	snap2, err := idx.Snapshot(ctx)
	require.NoError(t, err)
	require.Same(t, snap1, snap2)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestIndexInvalidate tests that a rule mutation forces a rebuild.
func TestIndexInvalidate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectQuery(`SELECT .+ FROM alert_rule WHERE active = TRUE`).
		WillReturnRows(activeRuleRows())
	mock.ExpectQuery(`SELECT .+ FROM alert_rule WHERE active = TRUE`).
		WillReturnRows(sqlmock.NewRows(ruleTestColumns))

	idx := NewIndex(store)
	ctx := context.Background()

	snap1, err := idx.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap1.RuleCount())

	idx.Invalidate()

	snap2, err := idx.Snapshot(ctx)
	require.NoError(t, err)
	require.NotSame(t, snap1, snap2)
	require.Equal(t, 0, snap2.RuleCount())
	require.Greater(t, snap2.Version, snap1.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}
