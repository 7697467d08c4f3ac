package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook intake metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwatch_webhooks_received_total",
			Help: "Total inbound webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)

	// Ingestion metrics
	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stackwatch_ingest_duration_seconds",
			Help:    "Time taken to process one webhook payload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlocksApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_blocks_applied_total",
			Help: "Total blocks applied (inserted or restored)",
		},
	)

	BlocksRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_blocks_rolled_back_total",
			Help: "Total blocks tombstoned by rollback",
		},
	)

	NotificationsInvalidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_notifications_invalidated_total",
			Help: "Total notifications invalidated by chain reorgs",
		},
	)

	// Matching metrics
	AlertMatchingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackwatch_alert_matching_duration_seconds",
			Help:    "Time taken to match one transaction against the rule index",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tx_kind", "event_count"},
	)

	CooldownGateWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_cooldown_gate_won_total",
			Help: "Total cooldown gates won (notifications emitted)",
		},
	)

	RuleIndexRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stackwatch_rule_index_rebuilds_total",
			Help: "Total rule index snapshot rebuilds",
		},
	)

	// Dispatch metrics
	NotificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwatch_notifications_dispatched_total",
			Help: "Total notification dispatch outcomes by channel and status",
		},
		[]string{"channel", "status"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stackwatch_circuit_state",
			Help: "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
		},
		[]string{"channel"},
	)

	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwatch_dead_lettered_total",
			Help: "Total notifications dead-lettered by failure reason",
		},
		[]string{"reason"},
	)

	// Auth metrics
	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwatch_token_verifications_total",
			Help: "Total token verifications by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		WebhooksReceived,
		RateLimited,
		IngestDuration,
		BlocksApplied,
		BlocksRolledBack,
		NotificationsInvalidated,
		AlertMatchingDuration,
		CooldownGateWon,
		RuleIndexRebuilds,
		NotificationsDispatched,
		CircuitState,
		DeadLettered,
		TokenVerifications,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
