package ingest

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/events"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/match"
	"github.com/stackwatch/stackwatch/pkg/notify"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

var rawTestColumns = []string{
	"id", "request_id", "received_at", "processed_at", "headers", "payload",
	"processing_status", "error_message", "error_trace", "source_addr", "user_agent",
}

func newEngineFixture(t *testing.T) (*Engine, sqlmock.Sqlmock, *storage.Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	broker := events.NewBroker()
	matcher := match.NewMatcher(rules.NewIndex(store))
	return NewEngine(store, matcher, notify.NewRegistry(broker)), mock, store
}

func expectRawRow(mock sqlmock.Sqlmock, id int64, status string, payload []byte) {
	mock.ExpectQuery(`SELECT .+ FROM raw_webhook WHERE id`).
		WillReturnRows(sqlmock.NewRows(rawTestColumns).
			AddRow(id, "req-1", time.Now(), nil, []byte(`{}`), payload, status,
				nil, nil, "198.51.100.4", "chainhook/1.0"))
}

// TestProcessRawUnparseable tests that a corrupt payload marks the row
// failed and surfaces the parse error.
func TestProcessRawUnparseable(t *testing.T) {
	e, mock, _ := newEngineFixture(t)

	expectRawRow(mock, 41, "pending", []byte(`not json`))
	mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.ProcessRaw(context.Background(), 41)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestProcessRawSkipsTerminal tests that rejected and processed rows are
// never re-processed.
func TestProcessRawSkipsTerminal(t *testing.T) {
	e, mock, _ := newEngineFixture(t)

	expectRawRow(mock, 42, "rejected", []byte(`{"apply":[],"rollback":[]}`))

	err := e.ProcessRaw(context.Background(), 42)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestProcessRawEmptyPayload tests a payload with nothing to do: one
// transaction, processed, no notifications.
func TestProcessRawEmptyPayload(t *testing.T) {
	e, mock, _ := newEngineFixture(t)

	expectRawRow(mock, 43, "pending", []byte(`{"apply":[],"rollback":[]}`))
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'processed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.ProcessRaw(context.Background(), 43)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRollbackUnknownBlock tests that rolling back a never-seen block is
// a logged no-op.
func TestRollbackUnknownBlock(t *testing.T) {
	e, mock, _ := newEngineFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM block WHERE block_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := e.rollbackBlock(context.Background(), e.store.DB(),
		&types.BlockPayload{BlockHash: "0xunknown"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRollbackAlreadyTombstoned tests that a repeated rollback stops at
// the tombstone gate without touching transactions or notifications.
func TestRollbackAlreadyTombstoned(t *testing.T) {
	e, mock, _ := newEngineFixture(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM block WHERE block_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "block_hash", "height", "parent_hash",
			"timestamp", "deleted", "deleted_at", "version"}).
			AddRow(9, "0xabc", 120, "0xaaa", now, true, now, 2))
	mock.ExpectExec(`UPDATE block SET deleted = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := e.rollbackBlock(context.Background(), e.store.DB(),
		&types.BlockPayload{BlockHash: "0xabc"}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPayloadTransaction tests the payload-to-row conversion.
func TestPayloadTransaction(t *testing.T) {
	tp := &types.TransactionPayload{
		TxID:    "0xtx",
		Sender:  "SPA",
		Success: true,
		ContractCall: &types.ContractCall{
			ContractID:   "SP1.pool",
			FunctionName: "deposit",
		},
	}
	tr := payloadTransaction(7, tp)
	require.Equal(t, int64(7), tr.BlockID)
	require.Equal(t, "0", tr.Fee, "missing fee defaults to zero")
	require.True(t, tr.ContractID.Valid)
	require.Equal(t, "deposit", tr.FunctionName.String)

	plain := payloadTransaction(7, &types.TransactionPayload{TxID: "0xother", Fee: "182"})
	require.Equal(t, "182", plain.Fee)
	require.False(t, plain.ContractID.Valid)
}

// TestPayloadEvent tests that empty strings become invalid NullStrings.
func TestPayloadEvent(t *testing.T) {
	ev := payloadEvent(55, &types.EventPayload{
		EventIndex: 2,
		Type:       types.EventFTTransfer,
		AssetID:    "SP1.token::usda",
		Amount:     "1000",
	})
	require.Equal(t, int64(55), ev.TransactionID)
	require.True(t, ev.AssetID.Valid)
	require.True(t, ev.Amount.Valid)
	require.False(t, ev.Sender.Valid)
	require.False(t, ev.Recipient.Valid)
}

// TestWorkerEnqueueFull tests the non-blocking queue overflow behavior.
func TestWorkerEnqueueFull(t *testing.T) {
	w := NewWorker(nil, nil, 1)
	for i := 0; i < defaultQueueSize; i++ {
		require.True(t, w.Enqueue(int64(i)))
	}
	require.False(t, w.Enqueue(9999), "a full queue must not block intake")
}

// TestWorkerReplayNotFound tests that replaying a terminal or missing row
// reports ErrNotFound.
func TestWorkerReplayNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := NewWorker(nil, store, 1)
	err = w.Replay(context.Background(), 404)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestWorkerReplayRequeues tests the pending flip plus enqueue.
func TestWorkerReplayRequeues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := storage.NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectExec(`UPDATE raw_webhook SET processing_status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewWorker(nil, store, 1)
	require.NoError(t, w.Replay(context.Background(), 41))
	require.Len(t, w.queue, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
