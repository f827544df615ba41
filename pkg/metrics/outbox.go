package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcome labels.
const (
	OutcomePublished    = "published"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
)

// OutboxMetrics tracks the outbox relay.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	latency prometheus.Histogram
}

// NewOutboxMetrics registers the relay collectors. A nil registerer yields a
// no-op recorder.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox rows handled by the relay, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "publish_lag_seconds",
		Help:      "Time between an outbox row being written and being published.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})
	reg.MustRegister(events, latency)
	return &OutboxMetrics{events: events, latency: latency}
}

func (m *OutboxMetrics) Event(eventType, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

func (m *OutboxMetrics) ObserveLag(written time.Time) {
	if m == nil || m.latency == nil || written.IsZero() {
		return
	}
	lag := time.Since(written)
	if lag < 0 {
		lag = 0
	}
	m.latency.Observe(lag.Seconds())
}
