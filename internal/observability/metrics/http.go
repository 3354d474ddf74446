package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// HTTPMetrics instruments the API server. Paths are echo route templates
// such as /api/v1/propagations/:id, never raw request paths.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	failures  *prometheus.CounterVec
	inFlight  prometheus.Gauge
	submitted *prometheus.CounterVec
}

// NewHTTPMetrics registers the API server collectors on registry.
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests served, by method, route and status",
		}, []string{"method", "path", "status_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request handling time, by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_request_errors_total",
			Help: "Requests answered with a 5xx status, by method and route",
		}, []string{"method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Requests being served",
		}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_propagations_submitted_total",
			Help: "Propagation submissions, by whether they were accepted",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.latency, m.failures, m.inFlight, m.submitted} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register http collector: %w", err)
		}
	}
	return m, nil
}

// RecordHTTPRequest records one served request. seconds is the handling time.
func (m *HTTPMetrics) RecordHTTPRequest(method, path string, status int, seconds float64) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, path).Observe(seconds)
	if status >= http.StatusInternalServerError {
		m.failures.WithLabelValues(method, path).Inc()
	}
}

func (m *HTTPMetrics) RequestStarted()  { m.inFlight.Inc() }
func (m *HTTPMetrics) RequestFinished() { m.inFlight.Dec() }

// RecordRunSubmitted counts a submission as "accepted" or "rejected".
func (m *HTTPMetrics) RecordRunSubmitted(result string) {
	m.submitted.WithLabelValues(result).Inc()
}

// InFlight reads the in-flight gauge.
func (m *HTTPMetrics) InFlight() float64 {
	var out dto.Metric
	if err := m.inFlight.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}
