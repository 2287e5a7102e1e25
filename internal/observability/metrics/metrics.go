// Package metrics exposes prometheus instrumentation for the ledger, the
// orchestrator, and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers ledger and generation-job activity.
type Metrics struct {
	jobsCreated     *prometheus.CounterVec
	itemsTerminal   *prometheus.CounterVec
	creditsReserved *prometheus.CounterVec
	creditsRefunded *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		jobsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_jobs_created_total",
			Help: "Generation batches created, by feature.",
		}, []string{"feature"}),
		itemsTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_job_items_terminal_total",
			Help: "Job items reaching a terminal status.",
		}, []string{"feature", "status"}),
		creditsReserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_credits_reserved_total",
			Help: "Credits reserved against batches.",
		}, []string{"feature"}),
		creditsRefunded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_credits_refunded_total",
			Help: "Credit refunds issued, by reason.",
		}, []string{"feature", "reason"}),
		providerCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_provider_calls_total",
			Help: "Calls to the inference provider, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}

func (m *Metrics) RecordJobCreated(feature string, items int) {
	if m == nil {
		return
	}
	m.jobsCreated.WithLabelValues(feature).Inc()
}

func (m *Metrics) RecordItemTerminal(feature, status string) {
	if m == nil {
		return
	}
	m.itemsTerminal.WithLabelValues(feature, status).Inc()
}

func (m *Metrics) RecordReservation(feature string, amount int64) {
	if m == nil {
		return
	}
	m.creditsReserved.WithLabelValues(feature).Add(float64(amount))
}

func (m *Metrics) RecordRefund(feature, reason string) {
	if m == nil {
		return
	}
	m.creditsRefunded.WithLabelValues(feature, reason).Inc()
}

func (m *Metrics) RecordProviderCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation, outcome).Inc()
}

// HTTPMetrics covers the gin surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_http_requests_total",
			Help: "HTTP requests, by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "propreel_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// GinMiddleware records per-request counters and latency.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// WorkerMetrics covers the background orchestrator sweeps.
type WorkerMetrics struct {
	runs     *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_worker_runs_total",
			Help: "Worker sweep executions, by sweep name.",
		}, []string{"sweep"}),
		errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "propreel_worker_errors_total",
			Help: "Worker sweep failures, by sweep name.",
		}, []string{"sweep"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "propreel_worker_sweep_duration_seconds",
			Help:    "Worker sweep latency.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30},
		}, []string{"sweep"}),
	}
}

func (m *WorkerMetrics) IncRun(sweep string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(sweep).Inc()
}

func (m *WorkerMetrics) IncError(sweep string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(sweep).Inc()
}

func (m *WorkerMetrics) ObserveDuration(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(sweep).Observe(d.Seconds())
}
