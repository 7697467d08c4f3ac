/*
Package notify carries notifications from commit to delivery.

The buffer/registry pair enforces commit-bound publication: notification
ids created inside an ingestion transaction are collected in a buffer and
published on the event broker only after COMMIT has returned. An aborted
transaction publishes nothing, so the dispatcher can never observe a
notification that does not exist.

The dispatcher consumes the commit-bound events and runs the delivery
state machine per notification: pending -> delivering -> delivered, with
retrying in between on transient failures and dead_letter or failed as
terminal states. Retries use exponential backoff; each channel family has
its own circuit breaker, and an open circuit dead-letters immediately
without consuming the attempt budget. Permanent failures produce one DLQ
row with a denormalized rule/recipient snapshot.

Channel handlers implement Handler. Email sends through SMTP and counts
MTA acceptance as success; webhook POSTs a JSON payload and counts any
2xx response as success.
*/
package notify
