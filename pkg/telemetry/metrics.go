// Package telemetry exposes the aggregator's operational counters as
// Prometheus metrics on the HTTP surface. Nothing is persisted; the
// collectors live and die with the process.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the aggregator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// MountedBackends tracks how many backends are currently mounted.
	MountedBackends prometheus.Gauge

	// ToolCalls counts forwarded tool calls by server and outcome.
	ToolCalls *prometheus.CounterVec

	// NotificationsDispatched counts notifications delivered to client
	// sessions by method.
	NotificationsDispatched *prometheus.CounterVec

	// Reloads counts configuration reloads by outcome.
	Reloads *prometheus.CounterVec
}

// NewMetrics creates a metrics bundle on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		MountedBackends: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magg_mounted_backends",
			Help: "Number of backends currently mounted in the aggregated index.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magg_tool_calls_total",
			Help: "Forwarded tool calls by backend server and outcome.",
		}, []string{"server", "outcome"}),
		NotificationsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magg_notifications_dispatched_total",
			Help: "Notifications delivered to client sessions by method.",
		}, []string{"method"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magg_config_reloads_total",
			Help: "Configuration reloads by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the scrape endpoint for the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
