package metrics

import "github.com/prometheus/client_golang/prometheus"

// TwitchMetrics tracks outbound Helix API calls.
type TwitchMetrics struct {
	Requests       *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
}

func NewTwitchMetrics(reg prometheus.Registerer) *TwitchMetrics {
	m := &TwitchMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twitch",
			Name:      "api_requests_total",
			Help:      "Total number of Helix API calls, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twitch",
			Name:      "token_refreshes_total",
			Help:      "Total number of app access token refreshes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Requests, m.TokenRefreshes)
	return m
}
