package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PropagationMetrics tracks the propagation engine: frames, detections,
// drafts, finalize outcomes and per-stage latency.
type PropagationMetrics struct {
	FramesTotal       *prometheus.CounterVec
	DetectionsTotal   *prometheus.CounterVec
	DraftsCreated     prometheus.Counter
	FinalizeTotal     *prometheus.CounterVec
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	registry          *prometheus.Registry
}

// NewPropagationMetrics creates and registers the propagation collectors.
func NewPropagationMetrics(registry *prometheus.Registry) (*PropagationMetrics, error) {
	m := &PropagationMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize propagation metrics: %w", err)
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register propagation metrics: %w", err)
	}
	return m, nil
}

func (m *PropagationMetrics) initMetrics() error {
	m.FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propagation_frames_total",
		Help: "Frames handed to the frame processor, by outcome",
	}, []string{"outcome"})

	m.DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propagation_detections_total",
		Help: "Detector candidates, by whether they passed the confidence filter",
	}, []string{"result"})

	m.DraftsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propagation_drafts_total",
		Help: "Draft annotations synthesized from accepted detections",
	})

	m.FinalizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propagation_finalize_total",
		Help: "Finalize calls, by result (committed, no_op, failed)",
	}, []string{"result"})

	m.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propagation_operations_total",
		Help: "Engine operations, by operation and status",
	}, []string{"operation", "status"})

	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propagation_operation_duration_seconds",
		Help:    "Duration of engine operations",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	}, []string{"operation"})

	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propagation_errors_total",
		Help: "Engine errors, by operation and error type",
	}, []string{"operation", "error_type"})

	m.ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "propagation_active_runs",
		Help: "Propagation runs currently in progress",
	})

	return nil
}

// RecordFrame counts a frame outcome.
func (m *PropagationMetrics) RecordFrame(outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
}

// RecordDetections counts accepted and rejected detector candidates for one frame.
func (m *PropagationMetrics) RecordDetections(accepted, rejected int) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues("accepted").Add(float64(accepted))
	m.DetectionsTotal.WithLabelValues("rejected").Add(float64(rejected))
	m.DraftsCreated.Add(float64(accepted))
}

// RecordFinalize counts a finalize result.
func (m *PropagationMetrics) RecordFinalize(result string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(result).Inc()
}

// RunStarted and RunFinished bracket a propagation run.
func (m *PropagationMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *PropagationMetrics) RunFinished() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

func (m *PropagationMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *PropagationMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *PropagationMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *PropagationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.FramesTotal.Collect(ch)
	m.DetectionsTotal.Collect(ch)
	m.DraftsCreated.Collect(ch)
	m.FinalizeTotal.Collect(ch)
	m.OperationsTotal.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.ActiveRuns.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *PropagationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.FramesTotal.Describe(ch)
	m.DetectionsTotal.Describe(ch)
	m.DraftsCreated.Describe(ch)
	m.FinalizeTotal.Describe(ch)
	m.OperationsTotal.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.ActiveRuns.Describe(ch)
}
