package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/pkg/types"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

// TestInsertBlockCreated tests the first-writer path of the idempotent
// insert.
func TestInsertBlockCreated(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO block`).
		WithArgs("0xabc", int64(120), "0xaaa", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	b := &types.Block{BlockHash: "0xabc", Height: 120, ParentHash: "0xaaa", Timestamp: time.Now()}
	created, err := InsertBlock(context.Background(), db, b)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(9), b.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertBlockConflict tests that a duplicate hash yields created=false
// without an error, so the enclosing transaction survives.
func TestInsertBlockConflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO block`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	b := &types.Block{BlockHash: "0xabc", Height: 120, ParentHash: "0xaaa", Timestamp: time.Now()}
	created, err := InsertBlock(context.Background(), db, b)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTombstoneBlockIdempotent tests that only the first rollback of a
// block reports work done.
func TestTombstoneBlockIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE block SET deleted = TRUE`).
		WithArgs(int64(9), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE block SET deleted = TRUE`).
		WithArgs(int64(9), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	done, err := TombstoneBlock(context.Background(), db, 9, now)
	require.NoError(t, err)
	require.True(t, done)

	done, err = TombstoneBlock(context.Background(), db, 9, now)
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestBulkInvalidateByBlock tests the rollback cascade onto notifications.
func TestBulkInvalidateByBlock(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE notification SET`).
		WithArgs(int64(9), now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := BulkInvalidateByBlock(context.Background(), db, 9, now)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertNotificationDuplicate tests that the dedup key swallows a
// second insert for the same (rule, tx, event, channel).
func TestInsertNotificationDuplicate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO notification`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
	mock.ExpectQuery(`INSERT INTO notification`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n := &types.Notification{RuleID: 7, TransactionID: 55, Channel: types.ChannelEmail,
		Message: "m", TriggeredAt: time.Now()}
	created, err := InsertNotification(context.Background(), db, n)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(31), n.ID)
	require.Equal(t, types.NotificationPending, n.Status)

	created, err = InsertNotification(context.Background(), db, n)
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestBeginDeliveryAttempt tests the delivery gate across states.
func TestBeginDeliveryAttempt(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE notification SET`).
		WithArgs(int64(31), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Already delivering, delivered, or invalidated: zero rows.
	mock.ExpectExec(`UPDATE notification SET`).
		WithArgs(int64(31), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := BeginDeliveryAttempt(context.Background(), db, 31, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = BeginDeliveryAttempt(context.Background(), db, 31, now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTryCooldownGate tests the atomic last_triggered_at compare-and-set.
func TestTryCooldownGate(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE alert_rule SET last_triggered_at`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_rule SET last_triggered_at`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := TryCooldownGate(context.Background(), db, 7, now)
	require.NoError(t, err)
	require.True(t, won)

	won, err = TryCooldownGate(context.Background(), db, 7, now)
	require.NoError(t, err)
	require.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestTryCooldownGateConcurrent tests that of several concurrent gate
// attempts on one rule exactly one wins.
func TestTryCooldownGateConcurrent(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	const workers = 8
	mock.ExpectExec(`UPDATE alert_rule SET last_triggered_at`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 1; i < workers; i++ {
		mock.ExpectExec(`UPDATE alert_rule SET last_triggered_at`).
			WithArgs(int64(7), now).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	var wg sync.WaitGroup
	var wins atomic.Int64
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := TryCooldownGate(context.Background(), db, 7, now)
			if err != nil {
				errs <- err
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(1), wins.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListStalePendingNotifications tests the stale-pending sweep query.
func TestListStalePendingNotifications(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Now().Add(-time.Minute)

	mock.ExpectQuery(`SELECT id FROM notification`).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5).AddRow(9))

	ids, err := ListStalePendingNotifications(context.Background(), db, cutoff, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 9}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestWithTxCommit tests that a nil callback error commits.
func TestWithTxCommit(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE block`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return RestoreBlock(context.Background(), tx, 9)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestWithTxRollback tests that a callback error rolls back and
// propagates.
func TestWithTxRollback(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewWithDB(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetNotificationNotFound tests the ErrNotFound mapping.
func TestGetNotificationNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT .+ FROM notification WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := GetNotification(context.Background(), db, 404)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
