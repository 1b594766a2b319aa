package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RentalMetrics struct {
	sweepRuns        prometheus.Counter
	sweepTransitions *prometheus.CounterVec
	sweepFailures    prometheus.Counter
	activeAgreements prometheus.Gauge
}

var (
	rentalOnce     sync.Once
	rentalRegistry *RentalMetrics
)

// Rental returns the metrics registry tracking the escrow deadline sweep.
func Rental() *RentalMetrics {
	rentalOnce.Do(func() {
		rentalRegistry = &RentalMetrics{
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rental_sweep_runs_total",
				Help: "Number of deadline sweep passes executed.",
			}),
			sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rental_sweep_transitions_total",
				Help: "Forced transitions applied by the sweep, by resulting status.",
			}, []string{"status"}),
			sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rental_sweep_failures_total",
				Help: "Agreement evaluations that failed and will be retried.",
			}),
			activeAgreements: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rental_active_agreements",
				Help: "Agreements currently in the active status.",
			}),
		}
		prometheus.MustRegister(
			rentalRegistry.sweepRuns,
			rentalRegistry.sweepTransitions,
			rentalRegistry.sweepFailures,
			rentalRegistry.activeAgreements,
		)
	})
	return rentalRegistry
}

// RecordSweep increments the sweep pass counter.
func (m *RentalMetrics) RecordSweep() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

// RecordTransition counts a forced transition by its resulting status label.
func (m *RentalMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.sweepTransitions.WithLabelValues(status).Inc()
}

// RecordFailure counts a failed evaluation.
func (m *RentalMetrics) RecordFailure() {
	if m == nil {
		return
	}
	m.sweepFailures.Inc()
}

// SetActiveAgreements records the current active-agreement count.
func (m *RentalMetrics) SetActiveAgreements(n int) {
	if m == nil {
		return
	}
	m.activeAgreements.Set(float64(n))
}
