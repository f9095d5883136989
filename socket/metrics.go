package socket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ConnectAttempts *prometheus.CounterVec
	Reconnects      prometheus.Counter
	Sends           *prometheus.CounterVec
	SendRetries     prometheus.Counter
	DecodeFailures  *prometheus.CounterVec
	ListenerPanics  *prometheus.CounterVec
	Connected       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "connect_attempts_total",
			Help:      "STOMP connect attempts by outcome.",
		}, []string{"outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "reconnects_total",
			Help:      "Background reconnect attempts.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "sends_total",
			Help:      "Outbound publishes by outcome.",
		}, []string{"outcome"}),
		SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "send_retries_total",
			Help:      "Publishes retried after a transport failure.",
		}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "decode_failures_total",
			Help:      "Inbound messages dropped because the body was not a JSON object.",
		}, []string{"category"}),
		ListenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsocket",
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked.",
		}, []string{"category"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsocket",
			Name:      "connected",
			Help:      "1 while a STOMP session is established.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectAttempts,
			m.Reconnects,
			m.Sends,
			m.SendRetries,
			m.DecodeFailures,
			m.ListenerPanics,
			m.Connected,
		)
	}
	return m
}

func (m *Metrics) connectAttempt(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = reason(err)
		switch outcome {
		case ReasonNoToken, ReasonTimeout, ReasonDisconnected:
		default:
			outcome = "error"
		}
	}
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) send(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.Sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sendRetry() {
	if m == nil {
		return
	}
	m.SendRetries.Inc()
}

func (m *Metrics) decodeFailure(cat Category) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(string(cat)).Inc()
}

func (m *Metrics) listenerPanic(cat Category) {
	if m == nil {
		return
	}
	m.ListenerPanics.WithLabelValues(string(cat)).Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
