package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks the run ledger database.
type LedgerMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	RunsByStatus      *prometheus.CounterVec
	registry          *prometheus.Registry
}

// NewLedgerMetrics creates and registers the ledger collectors.
func NewLedgerMetrics(registry *prometheus.Registry) (*LedgerMetrics, error) {
	m := &LedgerMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ledger metrics: %w", err)
	}
	return m, nil
}

func (m *LedgerMetrics) initMetrics() error {
	m.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger database operations, by operation and status",
	}, []string{"operation", "status"})

	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Ledger database operation latency",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
	}, []string{"operation"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_errors_total",
		Help: "Ledger database errors, by operation and error type",
	}, []string{"operation", "error_type"})

	m.RunsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_runs_finished_total",
		Help: "Finished runs, by final status",
	}, []string{"status"})

	return nil
}

// RecordRunFinished counts a run that reached a terminal status.
func (m *LedgerMetrics) RecordRunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsByStatus.WithLabelValues(status).Inc()
}

func (m *LedgerMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *LedgerMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *LedgerMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *LedgerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.RunsByStatus.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *LedgerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.RunsByStatus.Describe(ch)
}
