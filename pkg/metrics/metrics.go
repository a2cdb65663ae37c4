package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "feedpulse"

// ApplicationMetrics holds all application-specific metrics. A nil
// *ApplicationMetrics is valid and records nothing.
type ApplicationMetrics struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	rows           *prometheus.CounterVec
	batchFallbacks *prometheus.CounterVec
	downloads      *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	outdatedFeeds  prometheus.Gauge
}

// NewApplicationMetrics creates the collectors on a private registry.
func NewApplicationMetrics(logger *zap.Logger) *ApplicationMetrics {
	am := &ApplicationMetrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by chain and final status.",
		}, []string{"chain", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"chain"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Imported rows by outcome.",
		}, []string{"ticker", "outcome"}),
		batchFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "batch_fallbacks_total",
			Help:      "Bulk inserts retried row by row after a key conflict.",
		}, []string{"ticker"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "downloads_total",
			Help:      "Provider downloads by source and success.",
		}, []string{"source", "success"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "inflight_runs",
			Help:      "Runs currently held by workers.",
		}),
		outdatedFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "outdated_feeds",
			Help:      "Feeds found outdated on the last scheduler tick.",
		}),
	}

	am.registry.MustRegister(
		am.httpRequests, am.httpDuration,
		am.runs, am.runDuration,
		am.rows, am.batchFallbacks,
		am.downloads, am.queueDepth, am.outdatedFeeds,
	)
	return am
}

// Registry exposes the underlying registry, mostly for tests.
func (am *ApplicationMetrics) Registry() *prometheus.Registry {
	return am.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (am *ApplicationMetrics) Handler() http.Handler {
	if am == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(am.registry, promhttp.HandlerOpts{})
}

// HTTP Metrics
func (am *ApplicationMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if am == nil {
		return
	}
	am.httpRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	am.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Pipeline Metrics
func (am *ApplicationMetrics) RecordRun(chain, status string, duration time.Duration) {
	if am == nil {
		return
	}
	am.runs.WithLabelValues(chain, status).Inc()
	am.runDuration.WithLabelValues(chain).Observe(duration.Seconds())

	am.logger.Debug("Run recorded",
		zap.String("chain", chain),
		zap.String("status", status),
		zap.Duration("duration", duration))
}

// Import Metrics
func (am *ApplicationMetrics) RecordRows(ticker, outcome string, n int) {
	if am == nil || n <= 0 {
		return
	}
	am.rows.WithLabelValues(ticker, outcome).Add(float64(n))
}

func (am *ApplicationMetrics) RecordBatchFallback(ticker string) {
	if am == nil {
		return
	}
	am.batchFallbacks.WithLabelValues(ticker).Inc()
}

// Feed Metrics
func (am *ApplicationMetrics) RecordDownload(source string, success bool) {
	if am == nil {
		return
	}
	am.downloads.WithLabelValues(source, strconv.FormatBool(success)).Inc()
}

func (am *ApplicationMetrics) SetOutdatedFeeds(n int) {
	if am == nil {
		return
	}
	am.outdatedFeeds.Set(float64(n))
}

// Queue Metrics
func (am *ApplicationMetrics) IncInflight() {
	if am == nil {
		return
	}
	am.queueDepth.Inc()
}

func (am *ApplicationMetrics) DecInflight() {
	if am == nil {
		return
	}
	am.queueDepth.Dec()
}
