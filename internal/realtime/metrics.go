package realtime

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/wire"
)

const metricsNamespace = "tribe_realtime"

// Metrics is the prometheus collector of the messaging layer.
type Metrics struct {
	handshakes    *prometheus.CounterVec
	closed        prometheus.Counter
	frames        *prometheus.CounterVec
	deliveries    prometheus.Counter
	stale         prometheus.Counter
	connections   prometheus.GaugeFunc
	subscriptions prometheus.GaugeFunc
}

// NewMetrics returns a collector; stats feeds the registry gauges.
func NewMetrics(stats func() registry.Stats) *Metrics {
	return &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_total",
			Help:      "WebSocket handshakes by result.",
		}, []string{"result"}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections released from the registry.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_frames_total",
			Help:      "Inbound frames by event tag.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Frames enqueued to broadcast targets.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_stale_targets_total",
			Help:      "Broadcast targets that could not accept a frame.",
		}),
		connections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Registered connections.",
		}, func() float64 { return float64(stats().Connections) }),
		subscriptions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions",
			Help:      "Conversation subscriptions across all connections.",
		}, func() float64 { return float64(stats().Subscriptions) }),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.handshakes, m.closed, m.frames, m.deliveries, m.stale, m.connections, m.subscriptions,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) handshake(result string) {
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) connectionClosed() {
	m.closed.Inc()
}

// frame counts an inbound frame. Unknown tags share one label so clients
// cannot grow the series set.
func (m *Metrics) frame(event string, err error) {
	switch {
	case errors.Is(err, wire.ErrUnknownEvent):
		event = "unknown"
	case event == "":
		event = "malformed"
	}
	m.frames.WithLabelValues(event).Inc()
}

func (m *Metrics) delivered(n int) {
	m.deliveries.Add(float64(n))
}

func (m *Metrics) staleTargets(n int) {
	m.stale.Add(float64(n))
}
