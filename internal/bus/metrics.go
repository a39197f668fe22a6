package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the bus's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	received        prometheus.Counter
	published       *prometheus.CounterVec
	invalidPayloads prometheus.Counter
	timeouts        prometheus.Counter
	subscriptions   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphere", Subsystem: "bus", Name: "messages_in_total",
			Help: "Inbound messages dispatched",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sphere", Subsystem: "bus", Name: "published_total",
			Help: "Outbound messages by kind",
		}, []string{"kind"}),
		invalidPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphere", Subsystem: "bus", Name: "invalid_payloads_total",
			Help: "Inbound messages that were not valid envelopes",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sphere", Subsystem: "bus", Name: "rpc_timeouts_total",
			Help: "Correlated requests that received no reply in time",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sphere", Subsystem: "bus", Name: "subscriptions",
			Help: "Active subscriptions",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.published, m.invalidPayloads, m.timeouts, m.subscriptions)
	}
	return m
}

func (m *Metrics) messageIn() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) messageOut(kind string) {
	if m != nil {
		m.published.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) invalidPayload() {
	if m != nil {
		m.invalidPayloads.Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) setSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}
