package ingest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the ingest API. Labels never carry tokens; connector ids are fine.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	ReadingsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers ingest metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_ingest_requests_total", Help: "Ingest requests by connector and status"},
			[]string{"connector", "status"}),
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_ingest_readings_total", Help: "Readings received by connector and outcome"},
			[]string{"connector", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.ReadingsTotal)
	}
	return m
}

func (m *Metrics) IncRequests(connector string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(connector, statusToString(status)).Inc()
}

func (m *Metrics) AddReadings(connector, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReadingsTotal.WithLabelValues(connector, result).Add(float64(n))
}

func statusToString(code int) string {
	switch code {
	case 200, 400, 401, 413, 415, 429, 500, 503:
		return strconv.Itoa(code)
	default:
		return "other"
	}
}
