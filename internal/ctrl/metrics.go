package ctrl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the control socket. A nil *Metrics records nothing.
type Metrics struct {
	commands *prometheus.CounterVec
	sent     *prometheus.CounterVec
	attached prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	auto := promauto.With(reg)
	return &Metrics{
		commands: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_ctrl_commands_total",
			Help: "Control commands handled, by verb and result.",
		}, []string{"command", "result"}),
		sent: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_ctrl_telemetry_total",
			Help: "Telemetry datagrams by outcome.",
		}, []string{"result"}),
		attached: auto.NewGauge(prometheus.GaugeOpts{
			Name: "wipush_ctrl_peer_attached",
			Help: "1 while a monitor is attached.",
		}),
	}
}

func (m *Metrics) command(verb, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb, result).Inc()
}

func (m *Metrics) telemetry(result string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(result).Inc()
}

func (m *Metrics) peerAttached(on bool) {
	if m == nil {
		return
	}
	if on {
		m.attached.Set(1)
		return
	}
	m.attached.Set(0)
}
