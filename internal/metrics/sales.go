package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// SaleMetrics records lifecycle transitions, ledger movements and report
// cache lookups. A nil *SaleMetrics is a valid no-op recorder.
type SaleMetrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	movements   *prometheus.CounterVec
	units       *prometheus.CounterVec
	cache       *prometheus.CounterVec
}

// NewSaleMetrics registers the engine metrics on the provided registerer.
func NewSaleMetrics(reg prometheus.Registerer) *SaleMetrics {
	if reg == nil {
		return &SaleMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_sale_transitions_total",
		Help: "Sale lifecycle operations by outcome.",
	}, []string{"operation", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdv_sale_transition_duration_seconds",
		Help:    "Duration of sale lifecycle operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_stock_movements_total",
		Help: "Committed stock movement records by kind.",
	}, []string{"kind"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_stock_units_moved_total",
		Help: "Units moved by committed stock movements, by kind.",
	}, []string{"kind"})
	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdv_report_cache_lookups_total",
		Help: "Report cache lookups by report and outcome.",
	}, []string{"report", "outcome"})
	reg.MustRegister(transitions, duration, movements, units, cache)
	return &SaleMetrics{
		transitions: transitions,
		duration:    duration,
		movements:   movements,
		units:       units,
		cache:       cache,
	}
}

// ObserveTransition counts one lifecycle operation and records its duration.
func (m *SaleMetrics) ObserveTransition(operation string, result string, took time.Duration) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(took.Seconds())
}

// AddStockMovement counts a committed movement of quantity units.
func (m *SaleMetrics) AddStockMovement(kind string, quantity int) {
	if m == nil || m.movements == nil {
		return
	}
	m.movements.WithLabelValues(normalizeLabel(kind)).Inc()
	m.units.WithLabelValues(normalizeLabel(kind)).Add(float64(quantity))
}

func (m *SaleMetrics) IncCacheLookup(report string, hit bool) {
	if m == nil || m.cache == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cache.WithLabelValues(normalizeLabel(report), outcome).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
