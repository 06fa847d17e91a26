// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCyclesTotal tracks reconciliation cycles by outcome
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Total number of reconciliation cycles by outcome",
		},
		[]string{"tenant_id", "status"},
	)

	// SyncCycleDuration tracks reconciliation cycle duration in seconds
	SyncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tenant_id"},
	)

	// SyncErrorsTotal tracks failed snapshot fetches
	SyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "sync",
			Name:      "errors_total",
			Help:      "Total number of failed remote snapshot fetches",
		},
		[]string{"tenant_id"},
	)

	// MutationsTotal tracks local mutations by kind
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "mutation",
			Name:      "applied_total",
			Help:      "Total number of local mutations applied by kind",
		},
		[]string{"tenant_id", "kind"},
	)

	// StaleWritesTotal tracks remote completions discarded by sequence compare
	StaleWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "mutation",
			Name:      "stale_writes_total",
			Help:      "Total number of remote write completions discarded as stale",
		},
		[]string{"tenant_id"},
	)

	// RemoteWriteFailures tracks failed best-effort remote writes
	RemoteWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "mutation",
			Name:      "remote_write_failures_total",
			Help:      "Total number of failed remote CRM writes",
		},
		[]string{"tenant_id", "kind"},
	)

	// AutomationFirings tracks automation rules fired on stage entry
	AutomationFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "automation",
			Name:      "firings_total",
			Help:      "Total number of automation rule firings",
		},
		[]string{"tenant_id", "action_type"},
	)

	// AutomationDispatchFailures tracks action dispatches that failed
	AutomationDispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "automation",
			Name:      "dispatch_failures_total",
			Help:      "Total number of failed automation action dispatches",
		},
		[]string{"tenant_id"},
	)

	// IntegrationState tracks the lifecycle state per tenant (0 disconnected, 1 connecting, 2 connected)
	IntegrationState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "lifecycle",
			Name:      "integration_state",
			Help:      "Integration lifecycle state (0 disconnected, 1 connecting, 2 connected)",
		},
		[]string{"tenant_id"},
	)

	// TokenRefreshes tracks OAuth token refresh operations
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "lifecycle",
			Name:      "token_refreshes_total",
			Help:      "Total number of OAuth token refresh operations",
		},
		[]string{"tenant_id", "status"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests to the remote CRM
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// SessionsActive tracks live per-tenant sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of active per-tenant sessions",
		},
	)
)

// RecordSyncCycle records a reconciliation cycle outcome
func RecordSyncCycle(tenantID, status string, durationSeconds float64) {
	SyncCyclesTotal.WithLabelValues(tenantID, status).Inc()
	SyncCycleDuration.WithLabelValues(tenantID).Observe(durationSeconds)
}

// RecordMutation records a local mutation
func RecordMutation(tenantID, kind string) {
	MutationsTotal.WithLabelValues(tenantID, kind).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
