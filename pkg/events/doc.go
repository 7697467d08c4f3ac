/*
Package events provides the in-process event broker for Stackwatch.

The broker is a lightweight fan-out bus with buffered channels: publishers
never block, each subscriber gets its own buffered channel, and slow
subscribers skip events rather than stall the pipeline.

Its load-bearing use is commit-bound dispatch. The ingestion engine buffers
notification ids created inside the payload transaction and publishes a
single EventNotificationsCommitted after COMMIT returns; on rollback nothing
is published. The dispatcher subscribes to exactly that event type. Because
publication happens strictly after commit, the dispatcher can never observe
a notification from an aborted transaction.

Delivery is best-effort: a dropped commit event leaves the
notifications in status pending, where a replay or a future sweep can pick
them up; it never produces a duplicate user-visible send, because delivery
attempts are gated by the conditional status transition in storage.
*/
package events
