package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the topic.
type Metrics struct {
	SubscribersTotal prometheus.Gauge

	MessagesPublishedTotal *prometheus.CounterVec
	MessagesDeliveredTotal *prometheus.CounterVec
	MessagesDroppedTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers topic metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		SubscribersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "subscribers_total",
			Help:      "Current number of active subscribers",
		}),
		MessagesPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		}, []string{"kind"}),
		MessagesDeliveredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "messages_delivered_total",
			Help:      "Total number of messages delivered to subscribers",
		}, []string{"kind"}),
		MessagesDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped due to full channels",
		}, []string{"kind"}),
	}
}
