// Package telemetry exports Prometheus metrics for the embedding service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "embedservice"

// Call outcomes
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds the collectors of one coordinator. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TablesRegistered     prometheus.Gauge
	LayerCalls           *prometheus.CounterVec
	LayerCallDuration    *prometheus.HistogramVec
	RegistrationFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TablesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables_registered",
			Help:      "Number of PS embedding tables registered",
		}),

		LayerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "layer_calls_total",
				Help:      "Total number of init/export/import layer calls",
			},
			[]string{"op", "status"},
		),

		LayerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "layer_call_duration_seconds",
				Help:      "Layer call latency in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"op"},
		),

		RegistrationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_failures_total",
				Help:      "Total number of rejected table registrations",
			},
			[]string{"reason"}, // validation/capacity/duplicate/type
		),
	}
}

// RecordLayerCall records one outbound layer call.
func (m *Metrics) RecordLayerCall(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.LayerCalls.WithLabelValues(op, status).Inc()
	m.LayerCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRegistration records a successful registration and the table count.
func (m *Metrics) RecordRegistration(tables int) {
	if m == nil {
		return
	}
	m.TablesRegistered.Set(float64(tables))
}

// RecordRegistrationFailure counts a rejected registration by reason.
func (m *Metrics) RecordRegistrationFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.RegistrationFailures.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry so binaries can add runtime collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
