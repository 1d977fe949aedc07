package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "activitybridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "broker"},
		},
		[]string{"date", "sha", "version"},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activitybridge_connections",
			Help: "Number of registered bridge connections",
		},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitybridge_frames_total",
			Help: "Inbound frames received from bridges",
		},
		[]string{"kind"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitybridge_requests_total",
			Help: "Requests sent to bridges by outcome",
		},
		[]string{"action", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activitybridge_request_duration_seconds",
			Help:    "Time from sending a request to its outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	unmatchedReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activitybridge_unmatched_replies_total",
			Help: "Responses or errors whose request id was no longer pending",
		},
	)

	fanoutLag = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitybridge_fanout_lag_total",
			Help: "Messages skipped by slow fan-out subscribers",
		},
		[]string{"subscriber"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activitybridge_cache_entries",
			Help: "Browser processes with cached data",
		},
	)

	reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activitybridge_reports_total",
			Help: "Activity reports emitted",
		},
		[]string{"kind"},
	)
)

// Request outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeNotRegistered = "not_registered"
	OutcomeTimeout       = "timeout"
	OutcomeBridgeError   = "bridge_error"
	OutcomeClosed        = "closed"
	OutcomeCanceled      = "canceled"
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connections, frames, requests, requestDuration, unmatchedReplies, fanoutLag, cacheEntries, reports)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetConnections records the number of registered bridges.
func SetConnections(n int) {
	connections.Set(float64(n))
}

// RecordFrame counts an inbound frame by kind.
func RecordFrame(kind string) {
	frames.WithLabelValues(kind).Inc()
}

// RecordRequest counts a request outcome and observes its duration.
func RecordRequest(action, outcome string, d time.Duration) {
	requests.WithLabelValues(action, outcome).Inc()
	requestDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordUnmatchedReply counts a reply that arrived for an unknown id.
func RecordUnmatchedReply() {
	unmatchedReplies.Inc()
}

// RecordLag adds skipped messages for a fan-out subscriber.
func RecordLag(subscriber string, n uint64) {
	fanoutLag.WithLabelValues(subscriber).Add(float64(n))
}

// SetCacheEntries records the size of the opportunistic cache.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// RecordReport counts an emitted activity report.
func RecordReport(kind string) {
	reports.WithLabelValues(kind).Inc()
}
