package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProducerMetrics 消息生产者（monitor 采集器）自身的监控指标
type ProducerMetrics struct {
	CollectErrors   *prometheus.CounterVec
	CollectDuration *prometheus.HistogramVec
	MessagesQueued  *prometheus.CounterVec
	Skipped         *prometheus.CounterVec
}

// NewProducerMetrics 注册 producer 相关指标
// 标签说明：
//
//	producer: 生产者名称（如 "cpu"、"memory"、"scrape"）
func (f *MetricFactory) NewProducerMetrics() *ProducerMetrics {
	return &ProducerMetrics{
		CollectErrors: promauto.With(f.reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_collect_errors_total",
				Help: "Total number of producer collection errors",
			},
			[]string{"producer"},
		),
		CollectDuration: promauto.With(f.reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_collect_duration_seconds",
				Help:    "Duration of producer execution",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 0.01s ~ 5.12s
			},
			[]string{"producer"},
		),
		MessagesQueued: promauto.With(f.reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_messages_queued_total",
				Help: "Messages appended to the outbound queue",
			},
			[]string{"type"},
		),
		Skipped: promauto.With(f.reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_producer_skipped_total",
				Help: "Producer runs skipped because the server does not accept the message type",
			},
			[]string{"producer"},
		),
	}
}
