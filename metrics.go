package agentchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "agentchat"

// Metrics holds the client's Prometheus collectors.
type Metrics struct {
	Sends               *prometheus.CounterVec
	PushEvents          *prometheus.CounterVec
	Reconnects          prometheus.Counter
	TransportErrors     *prometheus.CounterVec
	ConnectionState     *prometheus.GaugeVec
	UnreadNotifications prometheus.Gauge
	BackgroundFailures  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and embedders without a
// metrics endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sends_total",
			Help:      "User messages sent, by outcome (confirmed, failed, stale).",
		}, []string{"outcome"}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_events_total",
			Help:      "Realtime push events, by type and outcome (applied, discarded, ignored).",
		}, []string{"type", "outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Realtime reconnect attempts scheduled.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_errors_total",
			Help:      "Realtime transport failures, by kind.",
		}, []string{"kind"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "1 for the current realtime connection state, 0 otherwise.",
		}, []string{"state"}),
		UnreadNotifications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "unread_notifications",
			Help:      "Latest known unread notification count.",
		}),
		BackgroundFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "background_failures_total",
			Help:      "Failed background fetches and mutations, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Sends,
			m.PushEvents,
			m.Reconnects,
			m.TransportErrors,
			m.ConnectionState,
			m.UnreadNotifications,
			m.BackgroundFailures,
		)
	}
	return m
}

func (m *Metrics) setConnectionState(state ConnectionState) {
	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}
