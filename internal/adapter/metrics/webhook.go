package metrics

import "github.com/prometheus/client_golang/prometheus"

// Webhook delivery outcomes.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeBadSignature = "bad_signature"
	OutcomeMissingHdr   = "missing_headers"
	OutcomeTooLarge     = "too_large"
	OutcomeStale        = "stale"
	OutcomeMalformed    = "malformed"
	OutcomeIgnored      = "ignored"
)

// WebhookMetrics holds Prometheus metrics for EventSub webhook ingestion.
type WebhookMetrics struct {
	Deliveries         *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	Notifications      *prometheus.CounterVec
	RecipientsNotified prometheus.Counter
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of EventSub deliveries, by message type and outcome.",
		}, []string{"message_type", "outcome"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Duration of EventSub delivery processing in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "stream_online_total",
			Help:      "Total number of stream.online events handed to the notifier, by result.",
		}, []string{"result"}),
		RecipientsNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "recipients_notified_total",
			Help:      "Total number of recipients included in stream.online hand-offs.",
		}),
	}

	reg.MustRegister(m.Deliveries, m.ProcessingDuration, m.Notifications, m.RecipientsNotified)
	return m
}
