// Package monitoring provides metrics and tracing for enrichwatch.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue snapshot metrics
	queueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichwatch_queue_items",
			Help: "Enrichment items by state as last reported by the server",
		},
		[]string{"state"},
	)

	snapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichwatch_snapshot_loads_total",
			Help: "Total number of queue snapshot loads",
		},
		[]string{"status"},
	)

	// Eligibility metrics
	retryBreakdown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichwatch_retry_breakdown",
			Help: "Failed items by retry verdict",
		},
		[]string{"verdict"},
	)

	// Retry submission metrics
	retrySubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichwatch_retry_submissions_total",
			Help: "Total number of retry batch submissions",
		},
		[]string{"trigger", "status"},
	)

	retriedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichwatch_retried_items_total",
			Help: "Total number of item ids submitted for retry",
		},
		[]string{"trigger"},
	)

	retrySubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichwatch_retry_submit_duration_seconds",
			Help:    "Duration of retry batch submissions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	skippedCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enrichwatch_retry_cycles_skipped_total",
			Help: "Auto-retry ticks skipped because a cycle was in flight",
		},
	)

	// Poller metrics
	pollFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichwatch_poll_fetches_total",
			Help: "Total number of job status fetches",
		},
		[]string{"poller", "status"},
	)

	activePollers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichwatch_active_pollers",
			Help: "Number of running pollers",
		},
		[]string{"poller"},
	)

	// Status server metrics
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichwatch_http_request_duration_seconds",
			Help:    "Duration of status server requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// API client metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichwatch_api_request_duration_seconds",
			Help:    "Duration of requests to the enrichment API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
)

// RecordSnapshot records a successful snapshot's counts.
func RecordSnapshot(pending, processing, success, failed, total int) {
	snapshotLoads.WithLabelValues("success").Inc()
	queueItems.WithLabelValues("pending").Set(float64(pending))
	queueItems.WithLabelValues("processing").Set(float64(processing))
	queueItems.WithLabelValues("success").Set(float64(success))
	queueItems.WithLabelValues("failed").Set(float64(failed))
	queueItems.WithLabelValues("total").Set(float64(total))
}

// RecordSnapshotFailure records a failed snapshot load.
func RecordSnapshotFailure() {
	snapshotLoads.WithLabelValues("failed").Inc()
}

// UpdateRetryBreakdown updates the eligibility gauges.
func UpdateRetryBreakdown(eligible, coolingDown, atLimit int) {
	retryBreakdown.WithLabelValues("eligible").Set(float64(eligible))
	retryBreakdown.WithLabelValues("cooling_down").Set(float64(coolingDown))
	retryBreakdown.WithLabelValues("at_limit").Set(float64(atLimit))
}

// RecordRetrySubmission records one batch submission.
func RecordRetrySubmission(trigger, status string, items int, duration float64) {
	retrySubmissions.WithLabelValues(trigger, status).Inc()
	retrySubmitDuration.WithLabelValues(status).Observe(duration)
	if status == "success" {
		retriedItems.WithLabelValues(trigger).Add(float64(items))
	}
}

// RecordSkippedCycle records an auto-retry tick dropped by the in-flight guard.
func RecordSkippedCycle() {
	skippedCycles.Inc()
}

// RecordPollFetch records a poller fetch outcome.
func RecordPollFetch(poller, status string) {
	pollFetches.WithLabelValues(poller, status).Inc()
}

// PollerStarted increments the running poller gauge.
func PollerStarted(poller string) {
	activePollers.WithLabelValues(poller).Inc()
}

// PollerStopped decrements the running poller gauge.
func PollerStopped(poller string) {
	activePollers.WithLabelValues(poller).Dec()
}

// RecordAPIRequest records an API request.
func RecordAPIRequest(operation, status string, duration float64) {
	apiRequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordHTTPRequest records a status server request.
func RecordHTTPRequest(method, route, status string, duration float64) {
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration)
}

// MetricsHandler returns an HTTP handler for serving Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
