package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the event store.
type Metrics struct {
	EventsIngestedTotal  *prometheus.CounterVec
	EventsDuplicateTotal *prometheus.CounterVec
	PublishFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers event store metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		EventsIngestedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "events_ingested_total",
			Help:      "Total number of newly stored events",
		}, []string{"kind"}),
		EventsDuplicateTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "events_duplicate_total",
			Help:      "Total number of events skipped as already stored",
		}, []string{"kind"}),
		PublishFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventstore",
			Name:      "publish_failures_total",
			Help:      "Total number of stored events that could not be published",
		}),
	}
}
