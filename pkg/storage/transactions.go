package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// GetTransactionByTxID fetches a transaction by chain id, including
// tombstoned rows.
func GetTransactionByTxID(ctx context.Context, q Querier, txID string) (*types.Transaction, error) {
	var t types.Transaction
	err := q.GetContext(ctx, &t,
		`SELECT id, tx_id, block_id, sender, success, position, nonce, fee::text AS fee,
		        cost_read_count, cost_read_length, cost_runtime, contract_id, function_name,
		        deleted, deleted_at
		 FROM transaction WHERE tx_id = $1`, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", txID, err)
	}
	return &t, nil
}

// GetTransactionByID fetches a transaction row by primary key.
func GetTransactionByID(ctx context.Context, q Querier, id int64) (*types.Transaction, error) {
	var t types.Transaction
	err := q.GetContext(ctx, &t,
		`SELECT id, tx_id, block_id, sender, success, position, nonce, fee::text AS fee,
		        cost_read_count, cost_read_length, cost_runtime, contract_id, function_name,
		        deleted, deleted_at
		 FROM transaction WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return &t, nil
}

// InsertTransaction inserts a new transaction row and fills in its id.
// Re-delivery of an already-persisted tx_id yields created=false with no
// error.
func InsertTransaction(ctx context.Context, q Querier, t *types.Transaction) (bool, error) {
	err := q.GetContext(ctx, &t.ID,
		`INSERT INTO transaction
		   (tx_id, block_id, sender, success, position, nonce, fee,
		    cost_read_count, cost_read_length, cost_runtime, contract_id, function_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
		 ON CONFLICT (tx_id) DO NOTHING
		 RETURNING id`,
		t.TxID, t.BlockID, t.Sender, t.Success, t.Position, t.Nonce, t.Fee,
		t.CostReadCount, t.CostReadLen, t.CostRuntime, t.ContractID, t.FunctionName)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction %s: %w", t.TxID, err)
	}
	return true, nil
}

// RestoreTransaction clears the tombstone on a transaction.
func RestoreTransaction(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE transaction SET deleted = FALSE, deleted_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to restore transaction %d: %w", id, err)
	}
	return nil
}

// InsertEvent inserts a chain event. The composite uniqueness key
// (transaction_id, event_index, event_type) makes re-delivery a no-op.
// Returns whether a new row was created.
func InsertEvent(ctx context.Context, q Querier, e *types.Event) (bool, error) {
	err := q.GetContext(ctx, &e.ID,
		`INSERT INTO event
		   (transaction_id, event_index, event_type, asset_id, amount, sender,
		    recipient, contract_identifier, topic, value)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		 ON CONFLICT (transaction_id, event_index, event_type) DO NOTHING
		 RETURNING id`,
		e.TransactionID, e.EventIndex, e.Type, e.AssetID, e.Amount, e.Sender,
		e.Recipient, e.ContractIdentifier, e.Topic, e.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert event %d/%d: %w", e.TransactionID, e.EventIndex, err)
	}
	return true, nil
}

// GetEventByID fetches an event row by primary key, including tombstoned
// rows.
func GetEventByID(ctx context.Context, q Querier, id int64) (*types.Event, error) {
	var ev types.Event
	err := q.GetContext(ctx, &ev,
		`SELECT id, transaction_id, event_index, event_type, asset_id, amount::text AS amount,
		        sender, recipient, contract_identifier, topic, value, deleted
		 FROM event WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return &ev, nil
}

// RestoreEventsByTransaction clears tombstones on all events of a
// transaction.
func RestoreEventsByTransaction(ctx context.Context, q Querier, transactionID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE event SET deleted = FALSE WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to restore events for transaction %d: %w", transactionID, err)
	}
	return nil
}

// ListEventsByTransaction returns the live events of a transaction in
// event_index order.
func ListEventsByTransaction(ctx context.Context, q Querier, transactionID int64) ([]types.Event, error) {
	var events []types.Event
	err := q.SelectContext(ctx, &events,
		`SELECT id, transaction_id, event_index, event_type, asset_id, amount::text AS amount,
		        sender, recipient, contract_identifier, topic, value, deleted
		 FROM event
		 WHERE transaction_id = $1 AND deleted = FALSE
		 ORDER BY event_index`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for transaction %d: %w", transactionID, err)
	}
	return events, nil
}
