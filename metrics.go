package kelana

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for kelana's request lifecycle,
// cache engine, scheduler and deduplication layers. It is safe for concurrent
// use, and every method tolerates a nil receiver so instrumentation can be
// optional.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	schedulerActive prometheus.Gauge
	queueDepth      prometheus.Gauge
	queueRejections prometheus.Counter

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kelana_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kelana_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"endpoint"},
		),
		cacheErrors: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_cache_errors_total",
				Help: "Total number of cache backend failures",
			},
			[]string{"operation"},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "kelana_cache_size",
				Help: "Current number of entries in cache",
			},
		),
		deduplicationHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight execution",
			},
			[]string{"method", "endpoint"},
		),
		schedulerActive: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "kelana_scheduler_active",
				Help: "Number of requests currently holding a concurrency slot",
			},
		),
		queueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "kelana_scheduler_queue_depth",
				Help: "Number of requests waiting for a concurrency slot",
			},
		),
		queueRejections: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "kelana_queue_rejections_total",
				Help: "Total number of requests rejected because the queue was full",
			},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kelana_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	attemptStr := strconv.Itoa(attempt)
	mc.retriesTotal.WithLabelValues(method, endpoint, attemptStr).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(endpoint).Inc()
}

// RecordCacheError increments the backend failure counter for an operation.
func (mc *MetricsCollector) RecordCacheError(operation string) {
	if mc == nil {
		return
	}

	mc.cacheErrors.WithLabelValues(operation).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordSchedulerActive sets the active slot gauge.
func (mc *MetricsCollector) RecordSchedulerActive(active int) {
	if mc == nil {
		return
	}

	mc.schedulerActive.Set(float64(active))
}

// RecordQueueDepth sets the waiting queue gauge.
func (mc *MetricsCollector) RecordQueueDepth(depth int) {
	if mc == nil {
		return
	}

	mc.queueDepth.Set(float64(depth))
}

// RecordQueueRejection increments the queue rejection counter.
func (mc *MetricsCollector) RecordQueueRejection() {
	if mc == nil {
		return
	}

	mc.queueRejections.Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the collector
// was built on one, nil otherwise.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
