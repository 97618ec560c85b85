package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// Agent 调用延迟（毫秒）
	AgentCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_call_latency_ms",
			Help:    "Inference service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"endpoint", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 流水线各阶段耗时（毫秒）
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_latency_ms",
			Help:    "Per-stage latency of the triage pipeline in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms to ~8s
		},
		[]string{"stage"},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails processed",
		},
		[]string{"status"}, // status: completed, failed
	)

	// 失败计数（按阶段和错误类型）
	PipelineFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_failure_count",
			Help: "Total number of emails that ended in Failed, by stage and error type",
		},
		[]string{"stage", "error_type"},
	)

	// 降级完成计数
	DegradedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_degraded_count",
			Help: "Total number of emails completed in degraded mode",
		},
		[]string{"reason"},
	)

	// 分类重试计数
	ClassifyRetryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_classify_retry_count",
			Help: "Total number of classification retries",
		},
	)

	// 工单动作计数
	TicketActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_action_count",
			Help: "Ticket decisions by action",
		},
		[]string{"action", "category"}, // action: created, updated
	)

	// 批处理结果计数
	BatchOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_outcome_count",
			Help: "Outcomes emitted by batch runs",
		},
		[]string{"outcome"}, // outcome: completed, failed, cancelled
	)

	// 熔断器状态变化
	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes",
			Help: "Circuit breaker transitions",
		},
		[]string{"name", "to"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordAgentCallLatency 记录 Agent 调用延迟
func RecordAgentCallLatency(endpoint, status string, duration time.Duration) {
	AgentCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录一次慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordStageLatency 记录流水线阶段耗时
func RecordStageLatency(stage string, duration time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(float64(duration.Milliseconds()))
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(status string) {
	EmailProcessedCount.WithLabelValues(status).Inc()
}

// IncrementPipelineFailure 记录失败的阶段和错误类型
func IncrementPipelineFailure(stage, errorType string) {
	PipelineFailureCount.WithLabelValues(stage, errorType).Inc()
}

// IncrementDegraded 记录降级完成
func IncrementDegraded(reason string) {
	DegradedCount.WithLabelValues(reason).Inc()
}

// IncrementClassifyRetry 记录一次分类重试
func IncrementClassifyRetry() {
	ClassifyRetryCount.Inc()
}

// IncrementTicketAction 记录工单创建/更新
func IncrementTicketAction(action, category string) {
	TicketActionCount.WithLabelValues(action, category).Inc()
}

// RecordBreakerTransition 记录熔断器状态变化
func RecordBreakerTransition(name, to string) {
	BreakerStateChanges.WithLabelValues(name, to).Inc()
}

// IncrementBatchRun 记录一次批处理的结果分布
func IncrementBatchRun(completed, failed, cancelled int) {
	BatchOutcomeCount.WithLabelValues("completed").Add(float64(completed))
	BatchOutcomeCount.WithLabelValues("failed").Add(float64(failed - cancelled))
	BatchOutcomeCount.WithLabelValues("cancelled").Add(float64(cancelled))
}
