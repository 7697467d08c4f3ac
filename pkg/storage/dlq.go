package storage

import (
	"context"
	"fmt"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// InsertDeadLetter records a permanently failed notification with a
// denormalized snapshot of the rule and recipient, so the entry stays
// readable even if the rule is later deleted.
func InsertDeadLetter(ctx context.Context, q Querier, e *types.DeadLetterEntry) error {
	err := q.GetContext(ctx, &e.ID,
		`INSERT INTO dlq
		   (notification_id, alert_rule_id, alert_rule_name, channel, recipient,
		    failure_reason, error_message, error_trace, attempt_count,
		    first_attempt_at, last_attempt_at, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		e.NotificationID, e.AlertRuleID, e.AlertRuleName, e.Channel, e.Recipient,
		e.FailureReason, e.ErrorMessage, e.ErrorTrace, e.AttemptCount,
		e.FirstAttemptAt, e.LastAttemptAt, e.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry: %w", err)
	}
	return nil
}

// ResolveDeadLetter marks a DLQ entry handled by an operator.
func ResolveDeadLetter(ctx context.Context, q Querier, id int64, by, notes string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE dlq SET processed = TRUE, processed_at = now(), processed_by = $2,
		   resolution_notes = $3
		 WHERE id = $1`, id, by, notes)
	if err != nil {
		return fmt.Errorf("failed to resolve dead-letter entry %d: %w", id, err)
	}
	return nil
}
