package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExchangeMetrics exchange 核心指标
type ExchangeMetrics struct {
	Attempts            *prometheus.CounterVec // outcome: success|transport|protocol|storage|skipped
	Duration            prometheus.Histogram
	MessagesSent        prometheus.Counter
	MessagesAcked       prometheus.Counter
	QueueDepth          prometheus.Gauge
	BackoffSeconds      prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge
	ProbeResults        *prometheus.CounterVec
	DegradedEvents      prometheus.Counter
	Resyncs             prometheus.Counter
	Commands            *prometheus.CounterVec
}

func (f *MetricFactory) NewExchangeMetrics() *ExchangeMetrics {
	w := promauto.With(f.reg)
	return &ExchangeMetrics{
		Attempts: w.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_attempts_total",
			Help: "Exchange attempts by outcome",
		}, []string{"outcome"}),
		Duration: w.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_duration_seconds",
			Help:    "Wall time of exchange round trips",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms ~ 102s
		}),
		MessagesSent: w.NewCounter(prometheus.CounterOpts{
			Name: "exchange_messages_sent_total",
			Help: "Messages included in exchange batches",
		}),
		MessagesAcked: w.NewCounter(prometheus.CounterOpts{
			Name: "exchange_messages_acked_total",
			Help: "Messages acknowledged by the server",
		}),
		QueueDepth: w.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_queue_depth",
			Help: "Unacknowledged messages in the outbound store",
		}),
		BackoffSeconds: w.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_backoff_seconds",
			Help: "Current retry backoff, zero when healthy",
		}),
		ConsecutiveFailures: w.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_consecutive_failures",
			Help: "Failed exchanges since the last success",
		}),
		ProbeResults: w.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_probe_results_total",
			Help: "Connectivity probe results",
		}, []string{"result"}),
		DegradedEvents: w.NewCounter(prometheus.CounterOpts{
			Name: "exchange_degraded_events_total",
			Help: "Times the degraded threshold was crossed",
		}),
		Resyncs: w.NewCounter(prometheus.CounterOpts{
			Name: "exchange_resynchronizations_total",
			Help: "Sequence resynchronizations with the server",
		}),
		Commands: w.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_commands_total",
			Help: "Server commands received by type and whether a handler ran",
		}, []string{"type", "handled"}),
	}
}
