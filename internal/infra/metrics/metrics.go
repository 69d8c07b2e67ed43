// Package metrics exposes Prometheus counters mirroring the stats store so
// the gateway can be scraped alongside the rest of the fleet.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
}

// New creates and registers the gateway collectors on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafilter_events_total",
			Help: "Events processed by kind and action.",
		}, []string{"kind", "action"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafilter_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafilter_alerts_total",
			Help: "Alerts emitted by level.",
		}, []string{"level"}),
	}

	registry.MustRegister(m.EventsTotal, m.WebhookDeliveries, m.AlertsTotal)
	return m
}

// ObserveEvent records one processed event
func (m *Metrics) ObserveEvent(kind, action string) {
	m.EventsTotal.WithLabelValues(kind, action).Inc()
}

// ObserveDelivery records one webhook delivery outcome
func (m *Metrics) ObserveDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveAlert records one emitted alert
func (m *Metrics) ObserveAlert(level string) {
	m.AlertsTotal.WithLabelValues(level).Inc()
}

// Handler returns the scrape handler for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
