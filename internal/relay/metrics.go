package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	pushes        *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	framesSent    *prometheus.CounterVec
	framesFailed  *prometheus.CounterVec
	inbound       *prometheus.CounterVec
	responses     prometheus.Counter
	nodesCreated  prometheus.Counter
	nodesEvicted  prometheus.Counter
	stations      prometheus.Gauge
	queued        prometheus.Gauge
	broadcastKept prometheus.Gauge
}

// NewMetrics registers the engine metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	auto := promauto.With(reg)
	return &Metrics{
		pushes: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_pushes_total",
			Help: "Messages accepted for delivery.",
		}, []string{"dest"}),
		rejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_pushes_rejected_total",
			Help: "Messages refused at enqueue.",
		}, []string{"reason"}),
		framesSent: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_frames_sent_total",
			Help: "Action frames accepted by the driver.",
		}, []string{"kind"}),
		framesFailed: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_frames_failed_total",
			Help: "Action frames the driver refused.",
		}, []string{"kind"}),
		inbound: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "wipush_inbound_frames_total",
			Help: "Frames received from stations by outcome.",
		}, []string{"result"}),
		responses: auto.NewCounter(prometheus.CounterOpts{
			Name: "wipush_responses_total",
			Help: "Notification responses received from stations.",
		}),
		nodesCreated: auto.NewCounter(prometheus.CounterOpts{
			Name: "wipush_nodes_created_total",
			Help: "Station nodes created on first contact.",
		}),
		nodesEvicted: auto.NewCounter(prometheus.CounterOpts{
			Name: "wipush_nodes_evicted_total",
			Help: "Station nodes deleted after inactivity.",
		}),
		stations: auto.NewGauge(prometheus.GaugeOpts{
			Name: "wipush_stations",
			Help: "Known station nodes.",
		}),
		queued: auto.NewGauge(prometheus.GaugeOpts{
			Name: "wipush_unicast_queued",
			Help: "Unicast messages waiting for their station.",
		}),
		broadcastKept: auto.NewGauge(prometheus.GaugeOpts{
			Name: "wipush_broadcast_retained",
			Help: "Broadcast messages retained for late stations.",
		}),
	}
}

func (m *Metrics) push(dest string) {
	if m != nil {
		m.pushes.WithLabelValues(dest).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) frame(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.framesFailed.WithLabelValues(kind).Inc()
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) inboundFrame(result string) {
	if m != nil {
		m.inbound.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) response() {
	if m != nil {
		m.responses.Inc()
	}
}

func (m *Metrics) nodeCreated() {
	if m != nil {
		m.nodesCreated.Inc()
	}
}

func (m *Metrics) nodeEvicted() {
	if m != nil {
		m.nodesEvicted.Inc()
	}
}

func (m *Metrics) gauges(s Stats) {
	if m == nil {
		return
	}
	m.stations.Set(float64(s.Stations))
	m.queued.Set(float64(s.Queued))
	m.broadcastKept.Set(float64(s.Broadcast))
}
