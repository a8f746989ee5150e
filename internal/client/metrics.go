package client

import (
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by a Session.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	EventsEmitted   *prometheus.CounterVec
	ActionsSent     *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	Connected       prometheus.Gauge
}

// NewMetrics registers the session collectors with reg.
// Passing nil registers with the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdlink_frames_received_total",
				Help: "Inbound WebSocket frames by encoding",
			},
			[]string{"encoding"},
		),
		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdlink_events_emitted_total",
				Help: "Events published to subscribers",
			},
			[]string{"event"},
		),
		ActionsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdlink_actions_sent_total",
				Help: "Outbound actions written to the server",
			},
			[]string{"action"},
		),
		ConnectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdlink_connect_attempts_total",
				Help: "Connect calls by outcome",
			},
			[]string{"outcome"},
		),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdlink_connected",
			Help: "1 while a session is connected",
		}),
	}
}

func (m *Metrics) frame(messageType int) {
	if m == nil {
		return
	}
	enc := "text"
	if messageType == websocket.BinaryMessage {
		enc = "binary"
	}
	m.FramesReceived.WithLabelValues(enc).Inc()
}

func (m *Metrics) event(name EventName) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(string(name)).Inc()
}

func (m *Metrics) action(kind ActionKind) {
	if m == nil {
		return
	}
	m.ActionsSent.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) connectOutcome(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setConnected(v bool) {
	if m == nil {
		return
	}
	if v {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
