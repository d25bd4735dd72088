package metrics

import "github.com/prometheus/client_golang/prometheus"

// Circuit breaker state values reported by BreakerMetrics.State.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// BreakerMetrics tracks circuit breakers guarding external dependencies.
type BreakerMetrics struct {
	State        *prometheus.GaugeVec
	StateChanges *prometheus.CounterVec
}

func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state transitions.",
		}, []string{"component", "to"}),
	}

	reg.MustRegister(m.State, m.StateChanges)
	return m
}

// Record stores a transition of the named breaker.
func (m *BreakerMetrics) Record(component, to string, state float64) {
	m.StateChanges.WithLabelValues(component, to).Inc()
	m.State.WithLabelValues(component).Set(state)
}
