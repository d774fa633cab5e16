package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 校验引擎指标
var (
	// ValidationsTotal 动作校验次数
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_validations_total",
			Help: "动作校验总数（按角色、结果、错误码）",
		},
		[]string{"role", "result", "code"},
	)

	// ValidationDuration 校验耗时
	ValidationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_validation_duration_seconds",
			Help:    "动作校验耗时分布",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"role"},
	)

	// CredentialsIssuedTotal 凭证签发次数
	CredentialsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_credentials_issued_total",
			Help: "工作流完成后签发的凭证数",
		},
	)

	// WorkflowUpdateConflicts 工作流状态乐观锁冲突
	WorkflowUpdateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_workflow_update_conflicts_total",
			Help: "工作流状态写入冲突次数",
		},
	)
)

// 账本读写指标
var (
	// LedgerWritesTotal 账本写入结果
	LedgerWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ledger_writes_total",
			Help: "账本写入总数（delivered / dead_lettered）",
		},
		[]string{"result"},
	)

	// RetryAttemptsTotal 重试次数
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_retry_attempts_total",
			Help: "退避重试次数",
		},
		[]string{"operation"},
	)

	// LedgerReadsTotal 账本读取请求
	LedgerReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ledger_reads_total",
			Help: "账本读取请求总数",
		},
		[]string{"status"},
	)

	// LedgerReadWait 限流等待耗时
	LedgerReadWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custody_ledger_read_wait_seconds",
			Help:    "读取端令牌桶等待时长",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
)

// 死信队列指标
var (
	// DeadLetterEventsTotal 死信事件
	DeadLetterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_deadletter_events_total",
			Help: "死信队列事件（recorded / replayed / replay_failed / reviewed）",
		},
		[]string{"event", "category"},
	)

	// DeadLetterRecords 死信队列当前积压，不受统计窗口限制
	DeadLetterRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_deadletter_records",
			Help: "死信队列中的记录数（按优先级，全部记录）",
		},
		[]string{"priority"},
	)
)

// 缓存指标
var (
	// CacheHitsTotal 缓存命中
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_cache_hits_total",
			Help: "缓存命中次数",
		},
		[]string{"backend"},
	)

	// CacheMissesTotal 缓存未命中
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_cache_misses_total",
			Help: "缓存未命中次数",
		},
		[]string{"backend"},
	)

	// CacheOperationDuration 缓存操作延迟
	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_cache_operation_duration_seconds",
			Help:    "缓存操作延迟分布",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"backend", "operation"},
	)
)
