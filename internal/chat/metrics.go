package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts reconcile outcomes. A nil *Metrics records nothing.
type Metrics struct {
	reconciled *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notebook",
			Subsystem: "chat",
			Name:      "reconcile_total",
			Help:      "Messages offered to a transcript, by merge outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconciled)
	}
	return m
}

func (m *Metrics) observe(outcome Outcome) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(string(outcome)).Inc()
}
