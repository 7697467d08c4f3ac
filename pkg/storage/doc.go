/*
Package storage provides access to the durable relational store.

The store is Postgres via sqlx over the pgx stdlib driver. Schema lives in
embedded goose migrations; ids come from per-table sequences with batch
allocation (CACHE 50).

Repository functions are package-level and accept a Querier, which both
*sqlx.DB and *sqlx.Tx satisfy. This lets the ingestion engine run every
block, transaction, event, and notification write inside one payload-scoped
transaction, while the raw-event archive and the token denylist run on the
store's own connection outside that transaction.

Conventions:

  - Uniqueness is enforced by constraints, never by read-then-write. Unique
    violations on content-keyed writes (block_hash, tx_id, the event
    composite, the notification idempotency key) mean re-delivery and are
    treated as success by callers; see IsUniqueViolation.
  - Soft delete is a boolean plus tombstone time. Reads that feed matching
    and dispatch filter on deleted = FALSE / invalidated = FALSE explicitly;
    lookups that feed the reorg engine include tombstones.
  - State transitions (raw event status, notification status, the cooldown
    gate) are single conditional UPDATEs whose WHERE clause encodes the
    legal transition, so concurrent callers race on rows-affected instead of
    on reads.
*/
package storage
