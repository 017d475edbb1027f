package callsession

import (
	"time"

	"github.com/adwski/moshi-moshi/backend/chat"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram
	messages    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moshi_call_transitions_total",
			Help: "Call state transitions.",
		}, []string{"from", "to"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moshi_calls_active",
			Help: "1 while a call is active.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moshi_call_duration_seconds",
			Help:    "Duration of active calls.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moshi_chat_messages_total",
			Help: "Chat transcript entries by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.active, m.duration, m.messages)
	}
	return m
}

func (m *metrics) transition(from, to State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	switch {
	case to == Active:
		m.active.Set(1)
	case from == Active:
		m.active.Set(0)
	}
}

func (m *metrics) callEnded(d time.Duration) {
	m.duration.Observe(d.Seconds())
}

func (m *metrics) message(msg chat.Message) {
	m.messages.WithLabelValues(msg.Direction.String()).Inc()
}
