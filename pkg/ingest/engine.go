package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/match"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/notify"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// Engine is the transactional core: it turns archived webhook payloads
// into idempotent block/transaction/event state and runs the alert
// matcher. One payload is one database transaction, and that commit
// boundary gates notification dispatch.
type Engine struct {
	store    *storage.Store
	matcher  *match.Matcher
	registry *notify.Registry
	logger   zerolog.Logger
}

// NewEngine creates an ingestion engine.
func NewEngine(store *storage.Store, matcher *match.Matcher, registry *notify.Registry) *Engine {
	return &Engine{
		store:    store,
		matcher:  matcher,
		registry: registry,
		logger:   log.WithComponent("ingest"),
	}
}

// ProcessRaw processes one archived webhook event end to end. On success
// the raw row is marked processed and one commit-bound event is published
// for the created notifications. On failure the raw row is marked failed
// (replayable) and nothing is published.
func (e *Engine) ProcessRaw(ctx context.Context, rawID int64) error {
	raw, err := e.store.GetRawEvent(ctx, rawID)
	if err != nil {
		return fmt.Errorf("failed to load raw event %d: %w", rawID, err)
	}
	if !raw.Replayable() {
		e.logger.Warn().Int64("raw_id", rawID).Str("status", string(raw.Status)).
			Msg("skipping non-replayable raw event")
		return nil
	}

	payload, err := types.ParsePayload(raw.Payload)
	if err != nil {
		parseErr := fmt.Sprintf("unparseable payload: %v", err)
		if markErr := e.store.MarkRawFailed(ctx, rawID, parseErr, ""); markErr != nil {
			return markErr
		}
		return fmt.Errorf("failed to parse payload for raw event %d: %w", rawID, err)
	}

	buf := notify.NewBuffer()
	start := time.Now()

	err = e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.processPayload(ctx, tx, payload, buf)
	})
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// The whole transaction rolled back: no blocks, no notifications,
		// no publication. The raw row stays replayable.
		if markErr := e.store.MarkRawFailed(ctx, rawID, err.Error(), ""); markErr != nil {
			e.logger.Error().Err(markErr).Int64("raw_id", rawID).
				Msg("failed to mark raw event failed")
		}
		return fmt.Errorf("ingestion of raw event %d failed: %w", rawID, err)
	}

	if err := e.store.MarkRawProcessed(ctx, rawID); err != nil {
		e.logger.Error().Err(err).Int64("raw_id", rawID).
			Msg("failed to mark raw event processed")
	}

	// Publication happens strictly after COMMIT has returned.
	e.registry.PublishCommitted(buf)
	return nil
}

// processPayload applies a payload inside one transaction: rollbacks first
// in received order, then applies in received order.
func (e *Engine) processPayload(ctx context.Context, q storage.Querier, payload *types.WebhookPayload, buf *notify.Buffer) error {
	now := time.Now().UTC()

	for i := range payload.Rollback {
		if err := e.rollbackBlock(ctx, q, &payload.Rollback[i], now); err != nil {
			return err
		}
	}
	for i := range payload.Apply {
		if err := e.applyBlock(ctx, q, &payload.Apply[i], buf, now); err != nil {
			return err
		}
	}
	return nil
}

// rollbackBlock tombstones a block, cascades the soft delete to its
// transactions and events, and bulk-invalidates their notifications. Every
// step is idempotent: a second rollback of the same block changes nothing.
func (e *Engine) rollbackBlock(ctx context.Context, q storage.Querier, bp *types.BlockPayload, now time.Time) error {
	blockLog := log.WithBlockHash(bp.BlockHash)

	b, err := storage.GetBlockByHash(ctx, q, bp.BlockHash)
	if errors.Is(err, storage.ErrNotFound) {
		blockLog.Info().Msg("rollback for unknown block, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	tombstoned, err := storage.TombstoneBlock(ctx, q, b.ID, now)
	if err != nil {
		return err
	}
	if !tombstoned {
		blockLog.Debug().Msg("block already rolled back, skipping")
		return nil
	}

	txCount, err := storage.SoftDeleteTransactionsByBlock(ctx, q, b.ID, now)
	if err != nil {
		return err
	}
	if _, err := storage.SoftDeleteEventsByBlock(ctx, q, b.ID); err != nil {
		return err
	}

	invalidated, err := storage.BulkInvalidateByBlock(ctx, q, b.ID, now)
	if err != nil {
		return err
	}

	metrics.BlocksRolledBack.Inc()
	metrics.NotificationsInvalidated.Add(float64(invalidated))
	blockLog.Info().
		Int64("height", b.Height).
		Int64("transactions", txCount).
		Int64("notifications_invalidated", invalidated).
		Msg("block rolled back")
	return nil
}

// applyBlock inserts or restores a block and runs the matcher on every
// newly persisted or restored transaction. Live re-deliveries are skipped.
func (e *Engine) applyBlock(ctx context.Context, q storage.Querier, bp *types.BlockPayload, buf *notify.Buffer, now time.Time) error {
	blockLog := log.WithBlockHash(bp.BlockHash)

	b := &types.Block{
		BlockHash:  bp.BlockHash,
		Height:     bp.Height,
		ParentHash: bp.ParentHash,
		Timestamp:  time.Unix(bp.Timestamp, 0).UTC(),
	}

	created, err := storage.InsertBlock(ctx, q, b)
	if err != nil {
		return err
	}

	if !created {
		existing, err := storage.GetBlockByHash(ctx, q, bp.BlockHash)
		if err != nil {
			return err
		}
		if !existing.Deleted {
			blockLog.Debug().Msg("block already applied, skipping re-delivery")
			return nil
		}
		// Restoration after a rollback. Previously invalidated
		// notifications stay invalidated.
		if err := storage.RestoreBlock(ctx, q, existing.ID); err != nil {
			return err
		}
		b = existing
		blockLog.Info().Int64("height", b.Height).Msg("block restored")
	}

	for i := range bp.Transactions {
		if err := e.upsertTransaction(ctx, q, b.ID, &bp.Transactions[i], buf, now); err != nil {
			return err
		}
	}

	metrics.BlocksApplied.Inc()
	return nil
}

// upsertTransaction persists one transaction and its events, restoring
// tombstoned rows when the block re-appears, and runs the matcher for
// anything newly persisted or restored.
func (e *Engine) upsertTransaction(ctx context.Context, q storage.Querier, blockID int64, tp *types.TransactionPayload, buf *notify.Buffer, now time.Time) error {
	t := payloadTransaction(blockID, tp)

	created, err := storage.InsertTransaction(ctx, q, t)
	if err != nil {
		return err
	}

	if created {
		for i := range tp.Events {
			ev := payloadEvent(t.ID, &tp.Events[i])
			if _, err := storage.InsertEvent(ctx, q, ev); err != nil {
				return err
			}
		}
	} else {
		existing, err := storage.GetTransactionByTxID(ctx, q, tp.TxID)
		if err != nil {
			return err
		}
		if !existing.Deleted {
			// Re-delivery of a live transaction.
			return nil
		}
		if err := storage.RestoreTransaction(ctx, q, existing.ID); err != nil {
			return err
		}
		if err := storage.RestoreEventsByTransaction(ctx, q, existing.ID); err != nil {
			return err
		}
		t = existing
		// Reconcile events through the same idempotent path; anything the
		// restored row is missing gets inserted.
		for i := range tp.Events {
			ev := payloadEvent(t.ID, &tp.Events[i])
			if _, err := storage.InsertEvent(ctx, q, ev); err != nil {
				return err
			}
		}
	}

	txEvents, err := storage.ListEventsByTransaction(ctx, q, t.ID)
	if err != nil {
		return err
	}
	return e.matcher.MatchTransaction(ctx, q, t, txEvents, buf, now)
}

func payloadTransaction(blockID int64, tp *types.TransactionPayload) *types.Transaction {
	t := &types.Transaction{
		TxID:          tp.TxID,
		BlockID:       blockID,
		Sender:        tp.Sender,
		Success:       tp.Success,
		Position:      tp.Position,
		Nonce:         tp.Nonce,
		Fee:           tp.Fee,
		CostReadCount: tp.CostReadCount,
		CostReadLen:   tp.CostReadLen,
		CostRuntime:   tp.CostRuntime,
	}
	if t.Fee == "" {
		t.Fee = "0"
	}
	if tp.ContractCall != nil {
		t.ContractID = sql.NullString{String: tp.ContractCall.ContractID, Valid: true}
		t.FunctionName = sql.NullString{String: tp.ContractCall.FunctionName, Valid: true}
	}
	return t
}

func payloadEvent(transactionID int64, ep *types.EventPayload) *types.Event {
	ev := &types.Event{
		TransactionID: transactionID,
		EventIndex:    ep.EventIndex,
		Type:          ep.Type,
		Value:         ep.Value,
	}
	if ep.AssetID != "" {
		ev.AssetID = sql.NullString{String: ep.AssetID, Valid: true}
	}
	if ep.Amount != "" {
		ev.Amount = sql.NullString{String: ep.Amount, Valid: true}
	}
	if ep.Sender != "" {
		ev.Sender = sql.NullString{String: ep.Sender, Valid: true}
	}
	if ep.Recipient != "" {
		ev.Recipient = sql.NullString{String: ep.Recipient, Valid: true}
	}
	if ep.ContractIdentifier != "" {
		ev.ContractIdentifier = sql.NullString{String: ep.ContractIdentifier, Valid: true}
	}
	if ep.Topic != "" {
		ev.Topic = sql.NullString{String: ep.Topic, Valid: true}
	}
	return ev
}
