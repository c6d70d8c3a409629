package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the limiter.
type Metrics struct {
	AllowedTotal       *prometheus.CounterVec
	RejectedTotal      *prometheus.CounterVec
	StoreFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers limiter metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}

	return &Metrics{
		AllowedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Total number of allowed requests",
		}, []string{"scope"}),
		RejectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total number of rejected requests",
		}, []string{"scope"}),
		StoreFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_failures_total",
			Help:      "Total number of limit checks that failed open",
		}),
	}
}
