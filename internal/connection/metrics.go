package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/omochice/partychat/pkg/protocol"
)

// Metrics holds the Prometheus collectors of one or more Managers.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	pendingCallbacks  prometheus.Gauge
	state             prometheus.Gauge
}

// NewMetrics registers the connection collectors with reg.
// A nil reg keeps them in a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Frames written to the peer, by message type.",
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Frames read from the peer, by classification.",
		}, []string{"class"}),

		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "send_failures_total",
			Help:      "Sends that did not reach the wire, by reason.",
		}, []string{"reason"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Dials made after an unexpected close.",
		}),

		pendingCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "pending_callbacks",
			Help:      "Requests waiting for a correlated response.",
		}),

		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "partychat",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state: 0 connecting, 1 open, 2 closing, 3 closed.",
		}),
	}
}

func (mt *Metrics) frameSent(t protocol.MessageType) {
	mt.framesSent.WithLabelValues(t.String()).Inc()
}

func (mt *Metrics) frameReceived(class string) {
	mt.framesReceived.WithLabelValues(class).Inc()
}

func (mt *Metrics) sendFailed(reason string) {
	mt.sendFailures.WithLabelValues(reason).Inc()
}

func (mt *Metrics) setState(s State) {
	mt.state.Set(float64(s))
}
