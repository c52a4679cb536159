// Package metrics exposes Prometheus instrumentation for the responder core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server records to
type Metrics struct {
	registry *prometheus.Registry

	FeedEvents      *prometheus.CounterVec
	DroppedEvents   *prometheus.CounterVec
	ActiveIncidents prometheus.Gauge
	// SelectionRecoveries counts removals of the active incident
	SelectionRecoveries *prometheus.CounterVec
	AlertsEmitted       *prometheus.CounterVec
	AlertsSuppressed    *prometheus.CounterVec
	Baselines           *prometheus.CounterVec
	RouteRequests       *prometheus.CounterVec
	RouteLatency        prometheus.Histogram
	Geofence            *prometheus.CounterVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FeedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_feed_events_total",
			Help: "Feed events applied to the incident set, by source and event kind.",
		}, []string{"source", "kind"}),
		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_feed_events_dropped_total",
			Help: "Feed events dropped before upsert, by source and reason.",
		}, []string{"source", "reason"}),
		ActiveIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resq_active_incidents",
			Help: "Ongoing incidents currently tracked.",
		}),
		SelectionRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_selection_recoveries_total",
			Help: "Active incident removals, by what the selection recovered to.",
		}, []string{"outcome"}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_alerts_emitted_total",
			Help: "Operator alerts emitted, by feed path.",
		}, []string{"path"}),
		AlertsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_alerts_suppressed_total",
			Help: "Alert candidates suppressed, by feed path and reason.",
		}, []string{"path", "reason"}),
		Baselines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_alert_baselines_total",
			Help: "Baseline window reads, by feed path and outcome.",
		}, []string{"path", "outcome"}),
		RouteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_route_requests_total",
			Help: "Routing provider calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RouteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "resq_route_plan_seconds",
			Help:    "Time to plan routes across all providers.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Geofence: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resq_geofence_decisions_total",
			Help: "Geofence decisions, by result and deciding signal.",
		}, []string{"result", "signal"}),
	}
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRoutePlan records how long a planning round took
func (m *Metrics) ObserveRoutePlan(started time.Time) {
	m.RouteLatency.Observe(time.Since(started).Seconds())
}
