/*
Package log provides structured logging for Stackwatch using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	ingestLog := log.WithComponent("ingest")
	ingestLog.Info().Str("block_hash", hash).Msg("block applied")

Context helpers attach the identifiers that matter when tracing a webhook
through the pipeline. Assign the child logger to a local before chaining;
zerolog's level methods need an addressable receiver:

	reqLog := log.WithRequestID(requestID)
	reqLog.Debug().Msg("signature verified")

# Integration Points

  - pkg/webhook: request-scoped loggers keyed by archived request id
  - pkg/ingest: block/transaction apply and rollback logging
  - pkg/match: rule evaluation and cooldown outcomes
  - pkg/notify: per-notification dispatch attempts and DLQ entries
  - pkg/auth: token verification failures (never logs token contents)

Never log the HMAC secret, raw tokens, or session fingerprints; log digests
or row ids instead.
*/
package log
