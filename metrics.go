package liveplot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChannelMetrics counts what the update channel does with each message. A
// nil *ChannelMetrics is valid and records nothing.
type ChannelMetrics struct {
	enqueued        *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	coalesced       prometheus.Counter
	cancelled       prometheus.Counter
	failures        prometheus.Counter
	pending         prometheus.Gauge
	deliveryLatency prometheus.Histogram
}

// NewChannelMetrics creates the collectors and registers them with reg when
// reg is not nil.
func NewChannelMetrics(reg prometheus.Registerer) *ChannelMetrics {
	m := &ChannelMetrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveplot",
			Name:      "messages_enqueued_total",
			Help:      "Update messages accepted by the update channel.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveplot",
			Name:      "messages_delivered_total",
			Help:      "Update messages applied by the remote surface.",
		}, []string{"kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveplot",
			Name:      "messages_coalesced_total",
			Help:      "Data messages merged into a pending one because the queue was full.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveplot",
			Name:      "messages_cancelled_total",
			Help:      "Pending messages withdrawn before dispatch.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveplot",
			Name:      "delivery_failures_total",
			Help:      "Messages the remote surface failed to apply.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveplot",
			Name:      "messages_pending",
			Help:      "Messages queued across all handles and not yet dispatched.",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "liveplot",
			Name:      "delivery_latency_seconds",
			Help:      "Time from enqueue until the remote surface acknowledged the message.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.enqueued, m.delivered, m.coalesced, m.cancelled, m.failures, m.pending, m.deliveryLatency)
	}
	return m
}

func (m *ChannelMetrics) onEnqueue(kind MessageKind) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(kind.String()).Inc()
	m.pending.Inc()
}

func (m *ChannelMetrics) onCoalesce(kind MessageKind) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(kind.String()).Inc()
	m.coalesced.Inc()
}

func (m *ChannelMetrics) onDispatch() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

func (m *ChannelMetrics) onCancel(n int) {
	if m == nil {
		return
	}
	m.cancelled.Add(float64(n))
	m.pending.Dec()
}

func (m *ChannelMetrics) onDelivered(kind MessageKind, enqueuedAt time.Time, now time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.Inc()
		return
	}
	m.delivered.WithLabelValues(kind.String()).Inc()
	m.deliveryLatency.Observe(now.Sub(enqueuedAt).Seconds())
}
