package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/interlock-hie/interlock/internal/domain/channel"
)

// Metrics holds all Prometheus metrics for the engine. It doubles as the
// channel event sink: tracked status transitions surface as counters.
type Metrics struct {
	MessageEventsTotal *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	RequestsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		MessageEventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "interlock",
				Name:      "message_events_total",
				Help:      "Tracked connector message status transitions",
			},
			[]string{"channel", "status"},
		),
		DispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "interlock",
				Name:      "dispatch_duration_seconds",
				Help:      "Raw message dispatch duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		QueueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "interlock",
				Name:      "destination_queue_depth",
				Help:      "Logical depth of each destination queue",
			},
			[]string{"channel", "destination"},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "interlock",
				Name:      "admin_requests_total",
				Help:      "Total admin API requests processed",
			},
			[]string{"path", "status"},
		),
	}
}

// Dispatch implements channel.EventSink.
func (m *Metrics) Dispatch(ev channel.MessageEvent) {
	m.MessageEventsTotal.WithLabelValues(ev.ChannelID, ev.Status.String()).Inc()
}

// Compile-time interface verification.
var _ channel.EventSink = (*Metrics)(nil)
