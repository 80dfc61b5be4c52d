package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Metrics holds Prometheus metrics for the region catalog.
type Metrics struct {
	RefreshesTotal *prometheus.CounterVec
	Regions        prometheus.Gauge
	RejectedTotal  *prometheus.CounterVec
	LastSuccess    prometheus.Gauge
	BreakerState   prometheus.Gauge
}

// NewMetrics creates and registers catalog metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_catalog_refreshes_total", Help: "Catalog refreshes by result"},
			[]string{"result"}),
		Regions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "haze_catalog_regions", Help: "Regions in the current catalog snapshot"}),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "haze_catalog_rejected_total", Help: "Quarantined documents, skipped intervals and overlaps seen at load"},
			[]string{"kind"}),
		LastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "haze_catalog_last_success_timestamp_seconds", Help: "Unix time of the last successful refresh"}),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "haze_catalog_source_breaker_state", Help: "Region source breaker: 0 closed, 1 half-open, 2 open"}),
	}
	if reg != nil {
		reg.MustRegister(m.RefreshesTotal, m.Regions, m.RejectedTotal, m.LastSuccess, m.BreakerState)
	}
	return m
}

func (m *Metrics) IncRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddRejected(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RejectedTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) SetLoaded(regions int, unix float64) {
	if m == nil {
		return
	}
	m.Regions.Set(float64(regions))
	m.LastSuccess.Set(unix)
}

func (m *Metrics) SetBreakerState(s gobreaker.State) {
	if m == nil {
		return
	}
	switch s {
	case gobreaker.StateHalfOpen:
		m.BreakerState.Set(1)
	case gobreaker.StateOpen:
		m.BreakerState.Set(2)
	default:
		m.BreakerState.Set(0)
	}
}
