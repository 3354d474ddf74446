// Package observability owns the Prometheus registry and the collectors of
// every trackfill component.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/trackfill/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry    *prometheus.Registry
	MQTT        *metrics.MQTTMetrics
	Propagation *metrics.PropagationMetrics
	Tator       *metrics.TatorMetrics
	Ledger      *metrics.LedgerMetrics
	HTTP        *metrics.HTTPMetrics
}

// NewMetrics creates a registry and initializes all metric collectors on it.
// Every call gets its own registry, so concurrent callers never collide.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	propagationMetrics, err := metrics.NewPropagationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create propagation metrics: %w", err)
	}

	tatorMetrics, err := metrics.NewTatorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create tator metrics: %w", err)
	}

	ledgerMetrics, err := metrics.NewLedgerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	return &Metrics{
		registry:    registry,
		MQTT:        mqttMetrics,
		Propagation: propagationMetrics,
		Tator:       tatorMetrics,
		Ledger:      ledgerMetrics,
		HTTP:        httpMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
