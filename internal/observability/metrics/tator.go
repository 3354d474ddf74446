package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TatorMetrics tracks calls to the annotation REST service and its list cache.
type TatorMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  prometheus.Counter
	registry        *prometheus.Registry
}

// NewTatorMetrics creates and registers the REST client collectors.
func NewTatorMetrics(registry *prometheus.Registry) (*TatorMetrics, error) {
	m := &TatorMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize tator metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register tator metrics: %w", err)
	}
	return m, nil
}

func (m *TatorMetrics) initMetrics() error {
	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tator_requests_total",
		Help: "REST requests, by operation and status",
	}, []string{"operation", "status"})

	m.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tator_request_duration_seconds",
		Help:    "REST request latency",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	}, []string{"operation"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tator_errors_total",
		Help: "REST errors, by operation and error type",
	}, []string{"operation", "error_type"})

	m.CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tator_cache_hits_total",
		Help: "List cache hits, by resource",
	}, []string{"resource"})

	m.CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tator_cache_misses_total",
		Help: "List cache misses, by resource",
	}, []string{"resource"})

	m.CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tator_cache_invalidations_total",
		Help: "Cache entries dropped by refresh signals",
	})

	return nil
}

// RecordCacheLookup counts a cache hit or miss for resource.
func (m *TatorMetrics) RecordCacheLookup(resource string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(resource).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(resource).Inc()
}

// RecordInvalidations counts cache entries dropped by a refresh.
func (m *TatorMetrics) RecordInvalidations(n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

func (m *TatorMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

func (m *TatorMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *TatorMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *TatorMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RequestsTotal.Collect(ch)
	m.RequestDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.CacheHits.Collect(ch)
	m.CacheMisses.Collect(ch)
	m.CacheEvictions.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *TatorMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RequestsTotal.Describe(ch)
	m.RequestDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.CacheHits.Describe(ch)
	m.CacheMisses.Describe(ch)
	m.CacheEvictions.Describe(ch)
}
