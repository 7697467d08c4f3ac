/*
Package api wires the HTTP surface.

Three route groups: the inbound webhook endpoint (rate-limited by client
address, authenticity handled inside the intake handler), the
rule-management API (bearer token + fingerprint cookie, then rate-limited
by token subject, optimistic-lock conflicts surface as 409), and the
operational endpoints /healthz and /metrics.
*/
package api
