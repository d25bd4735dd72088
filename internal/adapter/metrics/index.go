package metrics

import "github.com/prometheus/client_golang/prometheus"

// IndexMetrics tracks the in-memory subscription index.
type IndexMetrics struct {
	Streamers   prometheus.Gauge
	Pairs       prometheus.Gauge
	StoreErrors *prometheus.CounterVec
	Reloads     *prometheus.CounterVec
}

func NewIndexMetrics(reg prometheus.Registerer) *IndexMetrics {
	m := &IndexMetrics{
		Streamers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "streamers",
			Help:      "Streamers with at least one recipient.",
		}),
		Pairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "subscriptions",
			Help:      "Streamer/recipient pairs held in memory.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "store_errors_total",
			Help:      "Durable store failures after an in-memory mutation, by operation.",
		}, []string{"op"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "reloads_total",
			Help:      "Full reloads from the durable store, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Streamers, m.Pairs, m.StoreErrors, m.Reloads)
	return m
}
