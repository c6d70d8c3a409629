package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the fan-out service.
type Metrics struct {
	GeneratedTotal    *prometheus.CounterVec
	SuppressedTotal   *prometheus.CounterVec
	SentTotal         prometheus.Counter
	SendFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers fan-out metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		GeneratedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "generated_total",
			Help:      "Total number of notifications generated",
		}, []string{"kind"}),
		SuppressedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "suppressed_total",
			Help:      "Total number of notifications suppressed by preferences",
		}, []string{"kind"}),
		SentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total number of confirmed push deliveries",
		}),
		SendFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "send_failures_total",
			Help:      "Total number of failed push deliveries",
		}),
	}
}
