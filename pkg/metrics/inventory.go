package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Adjustment outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// InventoryMetrics tracks ledger mutations and reservation lifecycle events.
// A nil *InventoryMetrics is valid and records nothing.
type InventoryMetrics struct {
	adjustments        *prometheus.CounterVec
	insufficientStock  *prometheus.CounterVec
	conversionFailures *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	shadowCorrections  prometheus.Counter
}

// NewInventoryMetrics registers the inventory metrics on reg.
func NewInventoryMetrics(reg prometheus.Registerer) *InventoryMetrics {
	if reg == nil {
		return &InventoryMetrics{}
	}
	m := &InventoryMetrics{
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "adjustments_total",
			Help:      "Adjustment engine calls by change type and outcome.",
		}, []string{"change_type", "outcome"}),
		insufficientStock: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "insufficient_stock_total",
			Help:      "Draws rejected for lack of eligible stock.",
		}, []string{"change_type"}),
		conversionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "conversion_failures_total",
			Help:      "Lots skipped because the unit gateway could not convert them.",
		}, []string{"code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "transitions_total",
			Help:      "Reservation state transitions by resulting status.",
		}, []string{"status"}),
		shadowCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "shadow_drift_corrections_total",
			Help:      "Shadow reserved items corrected to match active reservations.",
		}),
	}
	reg.MustRegister(m.adjustments, m.insufficientStock, m.conversionFailures, m.transitions, m.shadowCorrections)
	return m
}

// ObserveAdjustment counts one engine call.
func (m *InventoryMetrics) ObserveAdjustment(changeType, outcome string) {
	if m == nil || m.adjustments == nil {
		return
	}
	m.adjustments.WithLabelValues(label(changeType), label(outcome)).Inc()
}

// IncInsufficientStock counts a draw rejected for shortfall.
func (m *InventoryMetrics) IncInsufficientStock(changeType string) {
	if m == nil || m.insufficientStock == nil {
		return
	}
	m.insufficientStock.WithLabelValues(label(changeType)).Inc()
}

// IncConversionFailure counts a lot the gateway could not convert.
func (m *InventoryMetrics) IncConversionFailure(code string) {
	if m == nil || m.conversionFailures == nil {
		return
	}
	m.conversionFailures.WithLabelValues(label(code)).Inc()
}

// IncTransition counts a reservation reaching status.
func (m *InventoryMetrics) IncTransition(status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(label(status)).Inc()
}

// IncShadowCorrection counts a corrected shadow item.
func (m *InventoryMetrics) IncShadowCorrection() {
	if m == nil || m.shadowCorrections == nil {
		return
	}
	m.shadowCorrections.Inc()
}
