/*
Package types defines the shared domain model for Stackwatch.

Blocks, transactions, and events mirror the rows of the durable store,
including the soft-delete tombstones used for chain reorganizations. Alert
rules and notifications carry the matching and dispatch state machines.
RawWebhookEvent is the archived inbound request that every other record can
be re-derived from.

The polymorphic variants of the source domain (event kinds, rule kinds) are
represented as tagged structs: a shared row with a variant tag plus nullable
variant-specific columns, rather than an interface hierarchy. Arbitrary
precision chain amounts (fees, token amounts) are carried as decimal strings
backed by NUMERIC columns and parsed into math/big integers on demand.

Payload types (WebhookPayload and friends) model the upstream indexer's
callback body: ordered apply and rollback sequences of blocks.
*/
package types
