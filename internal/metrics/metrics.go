// Package metrics provides Prometheus metrics for the session core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermic_core_sessions_active",
			Help: "Number of transport sessions currently registered",
		},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_session_transitions_total",
			Help: "Transport session status transitions by target status",
		},
		[]string{"status"},
	)

	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_reconnect_attempts_total",
			Help: "Reconnect attempts by result",
		},
		[]string{"result"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_transfers_total",
			Help: "Finished transfer tasks by direction and final state",
		},
		[]string{"direction", "state"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_transfer_bytes_total",
			Help: "Bytes moved by transfer tasks",
		},
		[]string{"direction"},
	)

	transferRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thermic_core_transfer_retries_total",
			Help: "Transfer attempts repeated after a transient error",
		},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thermic_core_transfer_duration_seconds",
			Help:    "Wall time of finished transfer tasks",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"direction"},
	)

	terminalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermic_core_terminals_active",
			Help: "Number of open terminal sessions",
		},
	)

	watchedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermic_core_watched_files",
			Help: "Number of remote files open for local editing",
		},
	)

	syncUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_sync_uploads_total",
			Help: "Edit-sync uploads by result",
		},
		[]string{"result"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermic_core_events_published_total",
			Help: "Events published to subscribers by type",
		},
		[]string{"type"},
	)

	eventsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thermic_core_events_coalesced_total",
			Help: "Progress events replaced in a subscriber queue before delivery",
		},
	)
)

// SetSessionsActive sets the number of registered sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// RecordSessionTransition counts a status change.
func RecordSessionTransition(status string) {
	sessionTransitions.WithLabelValues(status).Inc()
}

// RecordReconnectAttempt counts a reconnect attempt; result is "ok" or "failed".
func RecordReconnectAttempt(result string) {
	reconnectAttempts.WithLabelValues(result).Inc()
}

// RecordTransfer records a finished transfer task.
func RecordTransfer(direction, state string, bytes int64, elapsed time.Duration) {
	transfersTotal.WithLabelValues(direction, state).Inc()
	if bytes > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
	transferDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

// RecordTransferRetry counts a retried transfer attempt.
func RecordTransferRetry() {
	transferRetries.Inc()
}

// AddTerminals adjusts the open terminal gauge.
func AddTerminals(delta int) {
	terminalsActive.Add(float64(delta))
}

// AddWatchedFiles adjusts the watched file gauge.
func AddWatchedFiles(delta int) {
	watchedFiles.Add(float64(delta))
}

// RecordSyncUpload counts an edit-sync upload; result is "ok" or "failed".
func RecordSyncUpload(result string) {
	syncUploads.WithLabelValues(result).Inc()
}

// RecordEvent counts a published event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordCoalesced counts a progress event superseded in a queue.
func RecordCoalesced() {
	eventsCoalesced.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
