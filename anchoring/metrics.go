package anchoring

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	failures prometheus.Counter
	records  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "attempts_total",
			Help:      "Anchoring stage attempts by stage and result.",
		}, []string{"stage", "result"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchoring",
			Name:      "permanent_failures_total",
			Help:      "Records that exhausted their retries.",
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anchoring",
			Name:      "records",
			Help:      "Anchoring records by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.attempts, m.failures, m.records)
	return m
}

func (m *Metrics) attempt(stage, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) permanentFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) setCounts(counts map[string]int64, statuses []string) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		m.records.WithLabelValues(s).Set(float64(counts[s]))
	}
}
