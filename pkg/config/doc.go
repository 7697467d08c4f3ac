/*
Package config loads and validates Stackwatch configuration.

Configuration comes from a YAML file with environment variable overrides
(STACKWATCH_DB_URL, STACKWATCH_KV_URL, STACKWATCH_HMAC_SECRET, ...).
Defaults match the documented option set: a 300 second HMAC freshness
window, 100 requests/minute rate limit, 15 minute token expiration, three
dispatch attempts with a one second backoff base, and a 10-call circuit
breaker window opening at 50% failures.

Validation runs at load time and refuses to start the process when the
HMAC secret is missing, shorter than 32 bytes, or matches a known weak
placeholder value.
*/
package config
