package admission

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for request admission. Labels never carry keys.
type Metrics struct {
	DecisionsTotal *prometheus.CounterVec
	CommittedUnits prometheus.Counter
	CommitFailures prometheus.Counter
}

// NewMetrics creates and registers admission metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_admission_decisions_total", Help: "Admission outcomes by final state and status"},
			[]string{"state", "status"}),
		CommittedUnits: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "haze_quota_committed_units_total", Help: "Quota units committed"}),
		CommitFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "haze_quota_commit_failures_total", Help: "Responses withheld because the quota commit failed"}),
	}
	if reg != nil {
		reg.MustRegister(m.DecisionsTotal, m.CommittedUnits, m.CommitFailures)
	}
	return m
}

func (m *Metrics) decision(state State, status int) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(state), strconv.Itoa(status)).Inc()
}

func (m *Metrics) committed(units int64) {
	if m == nil {
		return
	}
	m.CommittedUnits.Add(float64(units))
}

func (m *Metrics) commitFailed() {
	if m == nil {
		return
	}
	m.CommitFailures.Inc()
}
