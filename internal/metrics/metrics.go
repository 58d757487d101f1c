// Package metrics provides Prometheus metrics for the Mosaic sync service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciler metrics
	syncFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mosaic_sync_flushes_total",
			Help: "Total number of reconciler flush cycles",
		},
		[]string{"result"},
	)

	syncFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mosaic_sync_flush_duration_seconds",
			Help:    "Reconciler flush cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mosaic_sync_changes_total",
			Help: "Total file changes processed by the reconciler",
		},
		[]string{"type", "result"},
	)

	syncConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mosaic_sync_conflict_retries_total",
			Help: "Total create conflicts recovered via cache refresh and retry",
		},
	)

	// Collaboration metrics
	collabRoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mosaic_collab_rooms_active",
			Help: "Number of collaboration rooms currently open",
		},
	)

	collabPeersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mosaic_collab_peers_active",
			Help: "Number of remote peers visible across all rooms",
		},
	)

	collabReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mosaic_collab_reconnects_total",
			Help: "Total relay reconnect attempts",
		},
	)

	collabOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mosaic_collab_ops_total",
			Help: "Total document operations sent and received",
		},
		[]string{"direction"},
	)

	// Event stream metrics
	sseSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mosaic_sse_subscribers_active",
			Help: "Number of connected event stream subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mosaic_sse_events_total",
			Help: "Total events published to the event stream",
		},
		[]string{"type"},
	)
)

func RecordFlush(result string, duration time.Duration) {
	syncFlushesTotal.WithLabelValues(result).Inc()
	syncFlushDuration.Observe(duration.Seconds())
}

func RecordChange(changeType, result string) {
	syncChangesTotal.WithLabelValues(changeType, result).Inc()
}

func RecordConflictRetry() {
	syncConflictRetriesTotal.Inc()
}

func SetRoomsActive(n int) {
	collabRoomsActive.Set(float64(n))
}

func SetPeersActive(n int) {
	collabPeersActive.Set(float64(n))
}

func RecordReconnect() {
	collabReconnectsTotal.Inc()
}

func RecordOp(direction string) {
	collabOpsTotal.WithLabelValues(direction).Inc()
}

func SetSSESubscribers(n int) {
	sseSubscribersActive.Set(float64(n))
}

func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
