package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	appendTotal    *prometheus.CounterVec
	appendDuration prometheus.Histogram
	appendBytes    prometheus.Counter

	replayTotal    prometheus.Counter
	replayDuration prometheus.Histogram
	replayEvents   prometheus.Counter

	storageRetryTotal *prometheus.CounterVec

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	purgedSessions prometheus.Counter

	gatewayClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			appendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "eventlog_append_total",
					Help: "Total append operations by status.",
				},
				[]string{"status"},
			),
			appendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "eventlog_append_duration_seconds",
					Help:    "Append duration in seconds, reserve through confirm.",
					Buckets: prometheus.DefBuckets,
				},
			),
			appendBytes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "eventlog_append_bytes_total",
					Help: "Total payload bytes appended.",
				},
			),
			replayTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "eventlog_replay_total",
					Help: "Total catch-up reads.",
				},
			),
			replayDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "eventlog_replay_duration_seconds",
					Help:    "Catch-up read duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			replayEvents: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "eventlog_replay_events_total",
					Help: "Total events returned by catch-up reads.",
				},
			),
			storageRetryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "storage_retry_total",
					Help: "Storage contention retries by operation.",
				},
				[]string{"op"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sessions_active",
					Help: "Sessions currently in starting or running state.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessions_created_total",
					Help: "Total sessions created by kind.",
				},
				[]string{"kind"},
			),
			purgedSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_purged_total",
					Help: "Total sessions removed by the retention sweeper.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Currently connected gateway clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.appendTotal,
			m.appendDuration,
			m.appendBytes,
			m.replayTotal,
			m.replayDuration,
			m.replayEvents,
			m.storageRetryTotal,
			m.activeSessions,
			m.sessionsTotal,
			m.purgedSessions,
			m.gatewayClients,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any
// package init path; registration happens once.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	getMetrics()
	return promhttp.Handler()
}

// RecordAppend records one append attempt and its duration.
func RecordAppend(status string, d time.Duration, payloadBytes int) {
	m := getMetrics()
	m.appendTotal.WithLabelValues(status).Inc()
	m.appendDuration.Observe(d.Seconds())
	if payloadBytes > 0 {
		m.appendBytes.Add(float64(payloadBytes))
	}
}

// RecordReplay records one catch-up read.
func RecordReplay(d time.Duration, events int) {
	m := getMetrics()
	m.replayTotal.Inc()
	m.replayDuration.Observe(d.Seconds())
	m.replayEvents.Add(float64(events))
}

// IncStorageRetry counts a storage contention retry.
func IncStorageRetry(op string) {
	getMetrics().storageRetryTotal.WithLabelValues(op).Inc()
}

// SetActiveSessions sets the live session gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// IncSessionCreated counts a session creation by kind.
func IncSessionCreated(kind string) {
	getMetrics().sessionsTotal.WithLabelValues(kind).Inc()
}

// IncSessionsPurged counts sessions removed by retention.
func IncSessionsPurged(n int) {
	getMetrics().purgedSessions.Add(float64(n))
}

// SetGatewayClients sets the connected-client gauge.
func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}
