/*
Package metrics exposes Prometheus metrics for Stackwatch.

Metrics are package-level collectors registered at init and served from
/metrics by the API server. The matching timer
(stackwatch_alert_matching_duration_seconds) is tagged with the transaction
kind; dispatch outcomes (stackwatch_notifications_dispatched_total) are
tagged with channel and success/failure/no_service status per the dispatcher
contract.
*/
package metrics
