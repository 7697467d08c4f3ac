package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// GetBlockByHash fetches a block by hash, including tombstoned rows. The
// ingestion engine needs tombstones to decide between insert, restore, and
// skip.
func GetBlockByHash(ctx context.Context, q Querier, hash string) (*types.Block, error) {
	var b types.Block
	err := q.GetContext(ctx, &b,
		`SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version
		 FROM block WHERE block_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", hash, err)
	}
	return &b, nil
}

// GetBlockByID fetches a block row by primary key, including tombstoned
// rows.
func GetBlockByID(ctx context.Context, q Querier, id int64) (*types.Block, error) {
	var b types.Block
	err := q.GetContext(ctx, &b,
		`SELECT id, block_hash, height, parent_hash, timestamp, deleted, deleted_at, version
		 FROM block WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", id, err)
	}
	return &b, nil
}

// InsertBlock inserts a new block row and fills in its id. A concurrent
// delivery that already inserted the same hash yields created=false with
// no error, and the caller retries by lookup.
func InsertBlock(ctx context.Context, q Querier, b *types.Block) (bool, error) {
	err := q.GetContext(ctx, &b.ID,
		`INSERT INTO block (block_hash, height, parent_hash, timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (block_hash) DO NOTHING
		 RETURNING id`,
		b.BlockHash, b.Height, b.ParentHash, b.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert block %s: %w", b.BlockHash, err)
	}
	return true, nil
}

// RestoreBlock clears the tombstone on a previously rolled-back block.
func RestoreBlock(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE block SET deleted = FALSE, deleted_at = NULL, version = version + 1
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to restore block %d: %w", id, err)
	}
	return nil
}

// TombstoneBlock soft-deletes a block. Returns false when the block was
// already tombstoned, making repeated rollbacks a no-op.
func TombstoneBlock(ctx context.Context, q Querier, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE block SET deleted = TRUE, deleted_at = $2, version = version + 1
		 WHERE id = $1 AND deleted = FALSE`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to tombstone block %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SoftDeleteTransactionsByBlock cascades a block tombstone to its
// transactions. Returns the affected transaction count.
func SoftDeleteTransactionsByBlock(ctx context.Context, q Querier, blockID int64, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE transaction SET deleted = TRUE, deleted_at = $2
		 WHERE block_id = $1 AND deleted = FALSE`, blockID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete transactions for block %d: %w", blockID, err)
	}
	return res.RowsAffected()
}

// SoftDeleteEventsByBlock cascades a block tombstone to the events of its
// transactions.
func SoftDeleteEventsByBlock(ctx context.Context, q Querier, blockID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE event SET deleted = TRUE
		 FROM transaction t
		 WHERE event.transaction_id = t.id AND t.block_id = $1 AND event.deleted = FALSE`,
		blockID)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete events for block %d: %w", blockID, err)
	}
	return res.RowsAffected()
}
