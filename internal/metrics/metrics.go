package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Kafka消费指标
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_messages_consumed_total",
			Help: "Total number of messages polled and dispatched to workers",
		},
		[]string{"consumer", "topic"},
	)

	BytesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_bytes_consumed_total",
			Help: "Total bytes polled from Kafka",
		},
		[]string{"consumer", "topic"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_poll_errors_total",
			Help: "Total number of poll errors by class",
		},
		[]string{"consumer", "class"},
	)

	// rebalance与客户端生命周期指标
	RebalanceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_rebalance_events_total",
			Help: "Total number of rebalance callbacks",
		},
		[]string{"consumer", "event"},
	)

	ClientRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_client_rebuilds_total",
			Help: "Total number of client rebuilds after fatal errors",
		},
		[]string{"consumer"},
	)

	// 工作池指标
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_flow_worker_queue_depth",
			Help: "Current number of messages waiting in the worker pool",
		},
		[]string{"consumer"},
	)

	WorkersRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_flow_workers_running",
			Help: "Current number of running workers",
		},
		[]string{"consumer"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_messages_processed_total",
			Help: "Total number of messages processed by workers",
		},
		[]string{"consumer", "status"},
	)

	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_flow_process_duration_seconds",
			Help:    "Message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)

	// 位点指标
	OffsetsMarked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_offsets_marked_total",
			Help: "Total number of offsets marked as processed",
		},
		[]string{"consumer"},
	)

	OffsetCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_flow_offset_commits_total",
			Help: "Total number of offset commit attempts",
		},
		[]string{"consumer", "status"},
	)
)
