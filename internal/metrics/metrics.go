package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "meshchat"

	stateLabel     = "state"
	typeLabel      = "type"
	directionLabel = "direction"
	endpointLabel  = "endpoint"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

type Metrics struct {
	Reg                 *prometheus.Registry
	PeersByState        *prometheus.GaugeVec
	Signals             *prometheus.CounterVec
	ChatMessages        *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram
	RequestDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Reg: reg,
		PeersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peer connections by state.",
		}, []string{stateLabel}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signal envelopes sent and consumed.",
		}, []string{directionLabel, typeLabel}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages sent and accepted.",
		}, []string{directionLabel, typeLabel}),
		NegotiationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from peer creation until its data channel opened.",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}, []string{endpointLabel}),
	}

	reg.MustRegister(m.PeersByState)
	reg.MustRegister(m.Signals)
	reg.MustRegister(m.ChatMessages)
	reg.MustRegister(m.NegotiationDuration)
	reg.MustRegister(m.RequestDuration)

	return m
}

// PeerTransition moves one peer between state gauges. An empty from means
// the peer is new.
func (m *Metrics) PeerTransition(from, to string) {
	if from != "" {
		m.PeersByState.WithLabelValues(from).Dec()
	}
	m.PeersByState.WithLabelValues(to).Inc()
}

// PeerRemoved drops a closed peer from the gauges.
func (m *Metrics) PeerRemoved(state string) {
	m.PeersByState.WithLabelValues(state).Dec()
}
