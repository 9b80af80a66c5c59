// Package metricsexport emits billing counters to an external metrics
// backend. It never exposes a scrape endpoint of its own; metrics are
// pushed on an interval and failures are logged, not surfaced.
package metricsexport

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	usageEvents       *prometheus.CounterVec
	invoicesGenerated *prometheus.CounterVec
	paymentsCaptured  *prometheus.CounterVec
	refundsProcessed  *prometheus.CounterVec
	engineErrors      *prometheus.CounterVec
	hotBacklog        prometheus.Gauge
}

func newCollectors(registry *prometheus.Registry) *collectors {
	c := &collectors{
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_export_usage_events_total",
			Help: "Usage events accepted into the hot store.",
		}, []string{"org_id", "metric_name"}),
		invoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_export_invoices_generated_total",
			Help: "Invoices generated.",
		}, []string{"org_id"}),
		paymentsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_export_payments_captured_total",
			Help: "Payments confirmed captured by the gateway.",
		}, []string{"org_id", "provider"}),
		refundsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_export_refunds_processed_total",
			Help: "Refunds confirmed processed by the gateway.",
		}, []string{"org_id", "refund_type"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_export_engine_errors_total",
			Help: "Billing engine operation failures.",
		}, []string{"org_id", "operation"}),
		hotBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meterbill_export_hot_events_unprocessed",
			Help: "Hot-store events awaiting migration.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			c.usageEvents,
			c.invoicesGenerated,
			c.paymentsCaptured,
			c.refundsProcessed,
			c.engineErrors,
			c.hotBacklog,
		)
	}
	return c
}
