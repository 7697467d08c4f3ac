package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

const rawColumns = `id, request_id, received_at, processed_at, headers, payload,
	processing_status, error_message, error_trace, source_addr, user_agent`

// ArchiveRawEvent persists an inbound webhook before any authenticity
// decision. It always runs on the store's own connection, outside any
// caller transaction, so a failed ingestion cannot roll back the audit
// record.
func (s *Store) ArchiveRawEvent(ctx context.Context, raw *types.RawWebhookEvent) error {
	err := s.db.GetContext(ctx, &raw.ID,
		`INSERT INTO raw_webhook (request_id, received_at, headers, payload, source_addr, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		raw.RequestID, raw.ReceivedAt, raw.Headers, raw.Payload, raw.SourceAddr, raw.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to archive raw event: %w", err)
	}
	raw.Status = types.ProcessingPending
	return nil
}

// GetRawEvent fetches an archived event by id.
func (s *Store) GetRawEvent(ctx context.Context, id int64) (*types.RawWebhookEvent, error) {
	var raw types.RawWebhookEvent
	err := s.db.GetContext(ctx, &raw,
		`SELECT `+rawColumns+` FROM raw_webhook WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw event %d: %w", id, err)
	}
	return &raw, nil
}

// MarkRawRejected marks an archived event rejected. Rejected is terminal:
// the row is never re-processed.
func (s *Store) MarkRawRejected(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_webhook SET processing_status = 'rejected', error_message = $2, processed_at = $3
		 WHERE id = $1`, id, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark raw event %d rejected: %w", id, err)
	}
	return nil
}

// MarkRawFailed marks an archived event failed. Failed rows stay
// replayable.
func (s *Store) MarkRawFailed(ctx context.Context, id int64, errMsg, trace string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_webhook SET processing_status = 'failed', error_message = $2, error_trace = $3,
		   processed_at = $4
		 WHERE id = $1`, id, errMsg, trace, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark raw event %d failed: %w", id, err)
	}
	return nil
}

// MarkRawProcessed marks an archived event fully processed.
func (s *Store) MarkRawProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_webhook SET processing_status = 'processed', error_message = NULL,
		   error_trace = NULL, processed_at = $2
		 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark raw event %d processed: %w", id, err)
	}
	return nil
}

// MarkRawPending returns a failed row to pending ahead of a replay.
// Rejected rows never pass the status predicate.
func (s *Store) MarkRawPending(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_webhook SET processing_status = 'pending', error_message = NULL, error_trace = NULL
		 WHERE id = $1 AND processing_status IN ('failed', 'pending')`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark raw event %d pending: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListReplayableRawEvents returns failed and pending rows, oldest first.
func (s *Store) ListReplayableRawEvents(ctx context.Context, limit int) ([]types.RawWebhookEvent, error) {
	var out []types.RawWebhookEvent
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+rawColumns+` FROM raw_webhook
		 WHERE processing_status IN ('failed', 'pending')
		 ORDER BY received_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list replayable raw events: %w", err)
	}
	return out, nil
}
