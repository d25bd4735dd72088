package metrics

import "github.com/prometheus/client_golang/prometheus"

// DedupMetrics holds Prometheus metrics for delivery deduplication.
type DedupMetrics struct {
	Claims    *prometheus.CounterVec
	Entries   prometheus.Gauge
	Evictions prometheus.Counter
}

func NewDedupMetrics(reg prometheus.Registerer) *DedupMetrics {
	m := &DedupMetrics{
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "claims_total",
			Help:      "Total number of delivery id claims, by result.",
		}, []string{"result"}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "entries",
			Help:      "Delivery ids currently remembered in memory.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "evictions_total",
			Help:      "Total number of expired delivery ids removed by the sweep.",
		}),
	}

	reg.MustRegister(m.Claims, m.Entries, m.Evictions)
	return m
}
