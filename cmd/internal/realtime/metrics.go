package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	authFailures *prometheus.CounterVec
	joinsDenied  prometheus.Counter
	deliveries   *prometheus.CounterVec
	events       *prometheus.CounterVec
}

// NewMetrics creates the realtime collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shopsync",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Refused websocket handshakes by reason.",
		}, []string{"reason"}),
		joinsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "realtime",
			Name:      "joins_denied_total",
			Help:      "List room joins refused by the access check.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Envelopes offered to connections, by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by envelope type.",
		}, []string{"type"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.connections, m.authFailures, m.joinsDenied, m.deliveries, m.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) authFailure(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) joinDenied() {
	if m != nil {
		m.joinsDenied.Inc()
	}
}

func (m *Metrics) broadcast(typ string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("dropped").Add(float64(dropped))
}
