// Package telemetry exposes Prometheus metrics for the merge engine and its
// HTTP surface. Every Metrics method is safe on a nil receiver so callers can
// run without metrics wired.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recordmerge"

var defaultDurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	reg prometheus.Gatherer

	// Merge engine
	TransactionsTotal *prometheus.CounterVec
	CommitRetries     prometheus.Counter
	ConflictsTotal    *prometheus.CounterVec
	DuplicatesTotal   *prometheus.CounterVec
	QualityFlagsTotal *prometheus.CounterVec
	StageDuration     prometheus.Histogram

	// Orchestration
	LockWait   prometheus.Histogram
	Requeues   prometheus.Counter
	QueueDepth prometheus.Gauge

	// HTTP server
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
}

// New registers all collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Merge and rollback transactions by outcome.",
		}, []string{"kind", "outcome"}),
		CommitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Commits retried after a record version conflict.",
		}),
		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts detected by severity and applied strategy.",
		}, []string{"severity", "strategy"}),
		DuplicatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Candidates confirmed as duplicates by match kind.",
		}, []string{"match"}),
		QualityFlagsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_flags_total",
			Help:      "Quality gate flags by reason.",
		}, []string{"reason"}),
		StageDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent staging a transaction.",
			Buckets:   defaultDurationBuckets,
		}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a patient lock.",
			Buckets:   defaultDurationBuckets,
		}),
		Requeues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Queued deltas requeued after a lock timeout.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Deltas waiting in the async queue.",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}
}

// Transaction counts one finished transaction.
func (m *Metrics) Transaction(kind, outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) CommitRetry() {
	if m == nil {
		return
	}
	m.CommitRetries.Inc()
}

func (m *Metrics) Conflict(severity, strategy string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(severity, strategy).Inc()
}

func (m *Metrics) Duplicate(match string) {
	if m == nil {
		return
	}
	m.DuplicatesTotal.WithLabelValues(match).Inc()
}

func (m *Metrics) QualityFlag(reason string) {
	if m == nil {
		return
	}
	m.QualityFlagsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveStage(d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) Requeue() {
	if m == nil {
		return
	}
	m.Requeues.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration by method, route and status.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.ActiveRequests.Inc()
			start := time.Now()

			err := next(c)

			m.ActiveRequests.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.RequestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
