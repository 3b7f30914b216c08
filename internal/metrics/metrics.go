// Package metrics holds the relay's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relay"

// RelayMetrics holds the collectors updated by the state manager and sessions.
type RelayMetrics struct {
	ActiveSessions  prometheus.Gauge
	HistoryMessages prometheus.Gauge
	MessagesTotal   prometheus.Counter
	Deliveries      *prometheus.CounterVec
	SlowConsumers   prometheus.Counter
}

// New creates the relay collectors and registers them on reg.
func New(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered.",
		}),
		HistoryMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_messages",
			Help:      "Number of messages held in the replay history.",
		}),
		MessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of inbound text messages accepted for broadcast.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total envelopes queued for delivery by kind.",
		}, []string{"kind"}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Sessions disconnected because their outbound queue was full.",
		}),
	}

	reg.MustRegister(m.ActiveSessions, m.HistoryMessages, m.MessagesTotal, m.Deliveries, m.SlowConsumers)
	return m
}

// Discard returns collectors that are not registered anywhere.
func Discard() *RelayMetrics {
	return New(prometheus.NewRegistry())
}
