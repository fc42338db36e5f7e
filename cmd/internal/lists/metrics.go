package lists

import "github.com/prometheus/client_golang/prometheus"

type serviceMetrics struct {
	ops     *prometheus.CounterVec
	retries prometheus.Counter
}

func newServiceMetrics() *serviceMetrics {
	return &serviceMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "lists",
			Name:      "operations_total",
			Help:      "List operations by name and outcome.",
		}, []string{"op", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shopsync",
			Subsystem: "lists",
			Name:      "revision_retries_total",
			Help:      "Writes retried after losing a revision race.",
		}),
	}
}

func (m *serviceMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.ops, m.retries} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *serviceMetrics) observe(op string, err error) {
	m.ops.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case IsNotFound(err):
		return "not_found"
	case IsForbidden(err):
		return "forbidden"
	case IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
