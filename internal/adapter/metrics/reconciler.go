package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcilerMetrics holds Prometheus metrics for the EventSub reconciliation loop.
type ReconcilerMetrics struct {
	Passes        prometheus.Counter
	PassDuration  prometheus.Histogram
	Registrations *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	Desired       prometheus.Gauge
	Confirmed     prometheus.Gauge
}

func NewReconcilerMetrics(reg prometheus.Registerer) *ReconcilerMetrics {
	m := &ReconcilerMetrics{
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "passes_total",
			Help:      "Total number of reconciliation passes.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "registration_attempts_total",
			Help:      "Total number of registration attempts, by result.",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "registration_refreshes_total",
			Help:      "Total number of registered-set refreshes from Twitch, by result.",
		}, []string{"result"}),
		Desired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "desired_streamers",
			Help:      "Streamers with at least one recipient in the last pass.",
		}),
		Confirmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "confirmed_streamers",
			Help:      "Streamers confirmed registered after the last pass.",
		}),
	}

	reg.MustRegister(m.Passes, m.PassDuration, m.Registrations, m.Refreshes, m.Desired, m.Confirmed)
	return m
}
