/*
Package webhook is the inbound edge of the pipeline.

Every POST is archived verbatim before any authenticity decision, so a
forged or broken request still leaves an audit row and a legitimate one
survives downstream failures. Authenticity is HMAC-SHA256 over
timestamp||"."||body with a freshness window and single-use nonces; the
nonce reservation is a set-if-absent in the shared ephemeral store, which
makes replay detection work across replicas. Signature comparison is
constant time.

Accepted requests return 200 immediately; the ingestion transaction runs
on background workers.
*/
package webhook
