package workbench

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts session outcomes and operations. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessions   *prometheus.CounterVec
	operations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workbench",
			Name:      "sessions_total",
			Help:      "Assembly sessions by outcome.",
		}, []string{"workbench", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workbench",
			Name:      "operations_total",
			Help:      "Completed operations by type.",
		}, []string{"workbench", "operation_type", "premature"}),
	}
	reg.MustRegister(m.sessions, m.operations)
	return m
}

func (m *Metrics) session(workbenchID, outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(workbenchID, outcome).Inc()
}

func (m *Metrics) operation(workbenchID, operationType string, premature bool) {
	if m == nil {
		return
	}
	p := "false"
	if premature {
		p = "true"
	}
	m.operations.WithLabelValues(workbenchID, operationType, p).Inc()
}
