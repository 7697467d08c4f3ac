package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stackwatch/stackwatch/pkg/types"
)

const notificationColumns = `id, rule_id, transaction_id, event_id, channel, status,
	attempt_count, first_attempt_at, last_attempt_at, last_error, message,
	invalidated, invalidated_at, invalidation_reason, triggered_at, created_at`

// InsertNotification inserts a pending notification keyed by
// (rule_id, transaction_id, event_id, channel). A duplicate is a no-op:
// created=false, no error. This is what makes duplicate webhook deliveries
// invisible to users.
func InsertNotification(ctx context.Context, q Querier, n *types.Notification) (bool, error) {
	err := q.GetContext(ctx, &n.ID,
		`INSERT INTO notification
		   (rule_id, transaction_id, event_id, channel, status, message, triggered_at)
		 VALUES ($1, $2, $3, $4, 'pending', $5, $6)
		 ON CONFLICT (rule_id, transaction_id, COALESCE(event_id, 0), channel) DO NOTHING
		 RETURNING id`,
		n.RuleID, n.TransactionID, n.EventID, n.Channel, n.Message, n.TriggeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	n.Status = types.NotificationPending
	return true, nil
}

// GetNotification fetches a notification by id.
func GetNotification(ctx context.Context, q Querier, id int64) (*types.Notification, error) {
	var n types.Notification
	err := q.GetContext(ctx, &n,
		`SELECT `+notificationColumns+` FROM notification WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification %d: %w", id, err)
	}
	return &n, nil
}

// ListNotificationsByIDs fetches a batch of notifications. Used by the
// dispatcher after a commit-bound event.
func ListNotificationsByIDs(ctx context.Context, q Querier, ids []int64) ([]types.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+notificationColumns+` FROM notification WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build notification batch query: %w", err)
	}
	query = q.Rebind(query)
	var out []types.Notification
	if err := q.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// ListStalePendingNotifications returns ids of live pending notifications
// created before the cutoff. The broker drops commit events when a
// subscriber buffer overflows; these rows would otherwise sit in pending
// forever.
func ListStalePendingNotifications(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := q.SelectContext(ctx, &ids,
		`SELECT id FROM notification
		 WHERE status = 'pending' AND invalidated = FALSE AND created_at < $1
		 ORDER BY id
		 LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending notifications: %w", err)
	}
	return ids, nil
}

// BulkInvalidateByBlock invalidates every live notification attached to the
// transactions of a block. The invalidated=false predicate makes the second
// rollback of the same block update zero rows.
func BulkInvalidateByBlock(ctx context.Context, q Querier, blockID int64, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE notification SET
		   invalidated = TRUE, invalidated_at = $2, invalidation_reason = 'chain_reorg'
		 FROM transaction t
		 WHERE notification.transaction_id = t.id
		   AND t.block_id = $1
		   AND notification.invalidated = FALSE`,
		blockID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate notifications for block %d: %w", blockID, err)
	}
	return res.RowsAffected()
}

// BeginDeliveryAttempt transitions a notification to delivering and counts
// the attempt. Only pending or retrying, non-invalidated notifications pass;
// the returned bool gates the actual send. attempt_count therefore counts
// only attempts that reach the remote side.
func BeginDeliveryAttempt(ctx context.Context, q Querier, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE notification SET
		   status = 'delivering',
		   attempt_count = attempt_count + 1,
		   first_attempt_at = COALESCE(first_attempt_at, $2),
		   last_attempt_at = $2
		 WHERE id = $1
		   AND status IN ('pending', 'retrying')
		   AND invalidated = FALSE`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("failed to begin delivery attempt for notification %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDelivered finalizes a successful delivery.
func MarkDelivered(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE notification SET status = 'delivered' WHERE id = $1 AND status = 'delivering'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d delivered: %w", id, err)
	}
	return nil
}

// MarkRetrying records a failed attempt that still has retry budget.
func MarkRetrying(ctx context.Context, q Querier, id int64, sendErr string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE notification SET status = 'retrying', last_error = $2 WHERE id = $1`, id, sendErr)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d retrying: %w", id, err)
	}
	return nil
}

// MarkDeadLetter marks a notification permanently failed after DLQ insert.
func MarkDeadLetter(ctx context.Context, q Querier, id int64, sendErr string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE notification SET status = 'dead_letter', last_error = $2 WHERE id = $1`, id, sendErr)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d dead-lettered: %w", id, err)
	}
	return nil
}

// MarkFailed marks a notification terminally failed (e.g. no handler for
// its channel).
func MarkFailed(ctx context.Context, q Querier, id int64, reason string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE notification SET status = 'failed', last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d failed: %w", id, err)
	}
	return nil
}
