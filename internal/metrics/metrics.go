// Package metrics exposes the engine's Prometheus instruments. Every
// recording method is safe on a nil *Metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Metrics holds all Prometheus metrics for predictamm.
type Metrics struct {
	// Swaps
	SwapsTotal          *prometheus.CounterVec
	SwapDuration        *prometheus.HistogramVec
	SwapAttempts        prometheus.Histogram
	SwapFailures        *prometheus.CounterVec
	ConcurrencyConflict prometheus.Counter
	InvariantViolations prometheus.Counter
	CollateralVolume    *prometheus.CounterVec
	FeesCollected       prometheus.Counter

	// Settlement
	SettlementTransitions *prometheus.CounterVec
	PayoutsTotal          prometheus.Counter
	PayoutAmount          prometheus.Counter
	ResolutionsTotal      *prometheus.CounterVec

	// Archive
	ArchivedRecords *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		SwapsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_swaps_total",
			Help: "Committed swaps",
		}, []string{"action", "outcome"}),

		SwapDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predictamm_swap_duration_seconds",
			Help:    "Wall time of a swap including retries",
			Buckets: latencyBuckets,
		}, []string{"action"}),

		SwapAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predictamm_swap_attempts",
			Help:    "Attempts needed per swap",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),

		SwapFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_swap_failures_total",
			Help: "Swaps rejected or failed, by error kind",
		}, []string{"kind"}),

		ConcurrencyConflict: f.NewCounter(prometheus.CounterOpts{
			Name: "predictamm_concurrency_conflicts_total",
			Help: "Attempts that lost the pool revision race",
		}),

		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "predictamm_invariant_violations_total",
			Help: "Transitions refused because reserves or K would break",
		}),

		CollateralVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_collateral_volume_total",
			Help: "Collateral traded, in collateral units",
		}, []string{"action"}),

		FeesCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "predictamm_fees_collected_total",
			Help: "Fees collected, in collateral units",
		}),

		SettlementTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_settlement_transitions_total",
			Help: "Settlement state changes",
		}, []string{"transition"}),

		PayoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "predictamm_payouts_total",
			Help: "Winning positions paid",
		}),

		PayoutAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "predictamm_payout_amount_total",
			Help: "Collateral paid to winners",
		}),

		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_resolutions_total",
			Help: "Adapter resolutions, by adapter and result",
		}, []string{"adapter", "result"}),

		ArchivedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predictamm_archived_records_total",
			Help: "Records uploaded to cold storage",
		}, []string{"kind"}),
	}
}

// ObserveSwap records a committed swap.
func (m *Metrics) ObserveSwap(r domain.TradeResult, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	action := string(r.Action)
	m.SwapsTotal.WithLabelValues(action, string(r.Outcome)).Inc()
	m.SwapDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	m.SwapAttempts.Observe(float64(attempts))
	m.ConcurrencyConflict.Add(float64(attempts - 1))

	volume := r.CollateralIn
	if r.Action == domain.ActionSell {
		volume = r.CollateralOut.Add(r.Fee)
	}
	v, _ := volume.Float64()
	m.CollateralVolume.WithLabelValues(action).Add(v)
	fee, _ := r.Fee.Float64()
	m.FeesCollected.Add(fee)
}

// ObserveSwapFailure records a swap that did not commit.
func (m *Metrics) ObserveSwapFailure(err error, attempts int) {
	if m == nil {
		return
	}
	kind := "internal"
	if k := domain.KindOf(err); k != nil {
		kind = k.Error()
	}
	m.SwapFailures.WithLabelValues(kind).Inc()
	if attempts > 1 {
		m.ConcurrencyConflict.Add(float64(attempts - 1))
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		m.ConcurrencyConflict.Inc()
	}
	if errors.Is(err, domain.ErrInvariantViolation) {
		m.InvariantViolations.Inc()
	}
}

// ObserveTransition records a settlement state change such as "propose".
func (m *Metrics) ObserveTransition(transition string) {
	if m == nil {
		return
	}
	m.SettlementTransitions.WithLabelValues(transition).Inc()
}

// ObservePayouts records the payouts of one finalization.
func (m *Metrics) ObservePayouts(payouts []domain.Payout) {
	if m == nil {
		return
	}
	for _, p := range payouts {
		m.PayoutsTotal.Inc()
		amt, _ := p.Amount.Float64()
		m.PayoutAmount.Add(amt)
	}
}

// ObserveResolution records an adapter result.
func (m *Metrics) ObserveResolution(o domain.SettlementOutcome) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(o.Adapter, string(o.Result)).Inc()
}

// ObserveArchive records an archive run.
func (m *Metrics) ObserveArchive(kind string, n int64) {
	if m == nil {
		return
	}
	m.ArchivedRecords.WithLabelValues(kind).Add(float64(n))
}
