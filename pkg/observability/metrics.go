package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	busMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabsync_bus_messages_total",
			Help: "Total number of bus messages by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	busDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabsync_bus_drops_total",
			Help: "Total number of bus messages dropped or failed",
		},
		[]string{"reason"},
	)

	presentContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabsync_present_contexts",
			Help: "Number of contexts currently known to be present, including this one",
		},
	)

	busDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabsync_bus_degraded",
			Help: "1 when the bus runs on the polling relay instead of native broadcast",
		},
	)

	// Store metrics
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabsync_store_operations_total",
			Help: "Total number of durable store operations",
		},
		[]string{"op", "status"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabsync_store_operation_duration_seconds",
			Help:    "Durable store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Session metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabsync_session_transitions_total",
			Help: "Total number of session lifecycle transitions",
		},
		[]string{"action", "origin"},
	)

	abandonedSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabsync_abandoned_sessions_total",
			Help: "Total number of sessions found abandoned by a sweep",
		},
	)

	// System metrics
	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabsync_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busMessagesTotal,
			busDropsTotal,
			presentContexts,
			busDegraded,
			storeOpsTotal,
			storeOpDuration,
			sessionTransitionsTotal,
			abandonedSessionsTotal,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordBusMessage counts a message sent or received on the bus
func RecordBusMessage(direction, kind string) {
	busMessagesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordBusDrop counts a message that was dropped
func RecordBusDrop(reason string) {
	busDropsTotal.WithLabelValues(reason).Inc()
}

// SetPresentContexts sets the present contexts gauge
func SetPresentContexts(count int) {
	presentContexts.Set(float64(count))
}

// SetBusDegraded records whether the bus fell back to the relay
func SetBusDegraded(degraded bool) {
	if degraded {
		busDegraded.Set(1)
		return
	}
	busDegraded.Set(0)
}

// RecordStoreOp records durable store operation metrics
func RecordStoreOp(op, status string, duration time.Duration) {
	storeOpsTotal.WithLabelValues(op, status).Inc()
	storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSessionTransition counts a session start, update or clear. origin is
// "local" or "remote".
func RecordSessionTransition(action, origin string) {
	sessionTransitionsTotal.WithLabelValues(action, origin).Inc()
}

// RecordAbandonedSession counts a session found abandoned
func RecordAbandonedSession() {
	abandonedSessionsTotal.Inc()
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
