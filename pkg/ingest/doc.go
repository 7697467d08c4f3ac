/*
Package ingest turns archived webhook payloads into chain state.

The engine processes one payload per database transaction: rollbacks
first (tombstone the block, cascade the soft delete to transactions and
events, bulk-invalidate their notifications), then applies (insert new
rows, restore tombstoned ones, skip live re-deliveries). Inserts rely on
database uniqueness constraints, so processing the same payload twice is
a no-op and two concurrent deliveries of the same block cannot both
create it.

The alert matcher runs inside the same transaction. Notification ids it
creates are collected in a buffer and published on the event broker only
after the commit has returned, which is what keeps dispatch from ever
seeing an uncommitted notification.

The worker pool decouples intake from processing: the HTTP handler
archives the raw body, enqueues the row id, and returns. Failed or
dropped rows stay replayable and can be re-queued through Replay.
*/
package ingest
