/*
Package kv wraps the shared ephemeral key/value store (Redis).

Two coordination primitives live here, both safe across replicas:

  - ReserveNonce: set-if-absent with TTL, single-writer semantics. A failed
    reservation means the nonce was seen before and the request is a replay.
  - Update: optimistic read-modify-write via WATCH/MULTI, used by the
    distributed rate limiter for its bucket state.

Keys: "webhook:nonce:<nonce>" and "rate-limit:<principal>". Replicas hold no
other shared state.
*/
package kv
