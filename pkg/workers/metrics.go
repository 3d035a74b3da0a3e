package workers

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker-loop counters and timings. One instance is shared
// by the pool and the delivery dispatcher.
type Metrics struct {
	OutboxProcessed *prometheus.CounterVec
	HandleSeconds   *prometheus.HistogramVec
	Deliveries      *prometheus.CounterVec
}

// Result labels for OutboxProcessed.
const (
	ResultOK    = "ok"
	ResultRetry = "retry"
	ResultDLQ   = "dlq"
)

// NewMetrics builds and registers the worker metrics on reg. Pass nil to
// skip registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OutboxProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settled_outbox_messages_total",
			Help: "Outbox messages finalized, by topic and result.",
		}, []string{"topic", "result"}),
		HandleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settled_outbox_handle_seconds",
			Help:    "Time spent handling one outbox message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settled_delivery_attempts_total",
			Help: "Delivery attempts, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.OutboxProcessed, m.HandleSeconds, m.Deliveries)
	}
	return m
}
