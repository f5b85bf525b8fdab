package tracing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the repository's Prometheus instruments.
type Metrics struct {
	// Subscribers gauges the number of live trace subscriptions.
	Subscribers prometheus.Gauge

	// EventsFlushed counts span rows persisted through the scheduled path.
	EventsFlushed prometheus.Counter

	// Batches counts flushed batches, labelled by outcome.
	Batches *prometheus.CounterVec
}

// NewMetrics registers the repository metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobtrace_trace_subscribers",
			Help: "Number of live trace subscriptions.",
		}),
		EventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrace_events_flushed_total",
			Help: "Span rows persisted through the batched write path.",
		}),
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrace_event_batches_total",
			Help: "Flushed span batches by outcome.",
		}, []string{"status"}),
	}
}
