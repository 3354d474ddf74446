// Package metrics provides the Prometheus collectors for trackfill components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Phases in which the refresh publisher can fail.
const (
	PhaseConnect        = "connect"
	PhasePublish        = "publish"
	PhaseConnectionLost = "connection_lost"
	PhaseReconnect      = "reconnect"
)

// MQTTMetrics covers the broker connection used to publish refresh signals.
type MQTTMetrics struct {
	Connected      prometheus.Gauge
	ConnectedSince prometheus.Gauge
	Reconnects     prometheus.Counter
	Failures       *prometheus.CounterVec
	Published      prometheus.Counter
	PayloadBytes   prometheus.Histogram
	AckLatency     prometheus.Histogram
}

// NewMQTTMetrics registers the refresh publisher collectors on registry.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "1 while the refresh publisher holds a broker connection",
		}),
		ConnectedSince: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connected_since_seconds",
			Help: "Unix time of the most recent successful broker connection",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Reconnect attempts after a lost connection",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_failures_total",
			Help: "Broker failures, by phase",
		}, []string{"phase"}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_refresh_signals_total",
			Help: "Refresh signals acknowledged by the broker",
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_payload_bytes",
			Help:    "Refresh signal payload size",
			Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
		}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mqtt_ack_latency_seconds",
			Help:    "Time from publish to broker acknowledgement",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Connected, m.ConnectedSince, m.Reconnects, m.Failures,
		m.Published, m.PayloadBytes, m.AckLatency,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register mqtt collector: %w", err)
		}
	}
	return m, nil
}

// SetConnected tracks the broker connection state.
func (m *MQTTMetrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		m.ConnectedSince.SetToCurrentTime()
		return
	}
	m.Connected.Set(0)
}

// ObservePublish records an acknowledged refresh signal.
func (m *MQTTMetrics) ObservePublish(bytes int, latency time.Duration) {
	if m == nil {
		return
	}
	m.Published.Inc()
	m.PayloadBytes.Observe(float64(bytes))
	m.AckLatency.Observe(latency.Seconds())
}

// Fail counts a failure in phase.
func (m *MQTTMetrics) Fail(phase string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(phase).Inc()
}

// Reconnecting counts one reconnect attempt.
func (m *MQTTMetrics) Reconnecting() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
