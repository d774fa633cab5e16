package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"custodychain/internal/audit"
	"custodychain/internal/cache"
	"custodychain/internal/ledger"
	"custodychain/internal/metrics"
	"custodychain/pkg/types"
)

const (
	statsCacheKey      = "deadletter:stats"
	defaultStatsTTL    = time.Minute
	defaultStatsWindow = 24 * time.Hour
	replayLockTTL      = 2 * time.Minute
)

// Deliverer 重放使用的写入路径（不再升级到死信）
type Deliverer interface {
	Deliver(ctx context.Context, entityID string, payload []byte) (*ledger.Receipt, error)
}

// ReplayScheduler 异步重放任务投递
type ReplayScheduler interface {
	EnqueueReplay(ctx context.Context, recordID string, priority string) error
}

// Options 处理器参数
type Options struct {
	StatsTTL    time.Duration
	StatsWindow time.Duration
}

// Handler 死信队列处理器
type Handler struct {
	queue     Queue
	deliverer Deliverer
	store     cache.Store
	scheduler ReplayScheduler
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler 创建处理器；store 缓存统计快照
func NewHandler(queue Queue, deliverer Deliverer, store cache.Store, opts Options, logger *zap.Logger) *Handler {
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = defaultStatsTTL
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = defaultStatsWindow
	}
	return &Handler{
		queue:     queue,
		deliverer: deliverer,
		store:     store,
		opts:      opts,
		logger:    logger.Named("deadletter"),
		now:       time.Now,
	}
}

// SetScheduler 注入异步重放投递
func (h *Handler) SetScheduler(s ReplayScheduler) {
	h.scheduler = s
}

// RecordFailure 记录一次写入失败，返回记录 id
func (h *Handler) RecordFailure(ctx context.Context, payload []byte, lastErr *ledger.Error) (string, error) {
	if lastErr == nil {
		lastErr = &ledger.Error{Code: ledger.CodeUnknown, Message: "unknown failure"}
	}

	rec := &FailedDeliveryRecord{
		ID:            uuid.NewString(),
		RetryAttempts: 0,
		FirstFailedAt: h.now().UTC(),
		LastError:     *lastErr,
		Category:      Categorize(lastErr.Code),
	}

	if json.Valid(payload) {
		rec.Payload = json.RawMessage(payload)
	} else {
		quoted, _ := json.Marshal(string(payload))
		rec.Payload = quoted
	}

	if msg, err := audit.Decode(payload); err == nil {
		rec.EntityID = msg.EntityID
		rec.EventType = msg.EventType
		rec.Role = msg.Role
		rec.CorrelationID = msg.CorrelationID
	}
	rec.Priority = PriorityFor(rec.EventType, rec.Role)

	if err := h.queue.Add(ctx, rec); err != nil {
		return "", err
	}
	h.invalidateStats(ctx)

	metrics.DeadLetterEventsTotal.WithLabelValues("recorded", string(rec.Category)).Inc()
	h.logger.Warn("写入失败已记录到死信队列",
		zap.String("id", rec.ID),
		zap.String("entity_id", rec.EntityID),
		zap.String("category", string(rec.Category)),
		zap.String("priority", string(rec.Priority)),
		zap.String("code", lastErr.Code),
	)
	return rec.ID, nil
}

// Get 读取单条记录
func (h *Handler) Get(ctx context.Context, id string) (*FailedDeliveryRecord, error) {
	return h.queue.Get(ctx, id)
}

// Filter 查询条件
type Filter struct {
	Priority Priority
	Category Category
	Reviewed *bool
	EntityID string
	types.PaginationRequest
}

// Page 分页结果
type Page struct {
	Items      []*FailedDeliveryRecord  `json:"items"`
	Pagination types.PaginationResponse `json:"pagination"`
}

// List 按条件过滤，优先级降序、最近活动降序排序后分页
func (h *Handler) List(ctx context.Context, f Filter) (*Page, error) {
	all, err := h.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*FailedDeliveryRecord, 0, len(all))
	for _, rec := range all {
		if f.Priority != "" && rec.Priority != f.Priority {
			continue
		}
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.Reviewed != nil && rec.Reviewed != *f.Reviewed {
			continue
		}
		if f.EntityID != "" && rec.EntityID != f.EntityID {
			continue
		}
		matched = append(matched, rec)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].Priority.Rank(), matched[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		ai, aj := matched[i].LastActivity(), matched[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return matched[i].ID < matched[j].ID
	})

	req := f.PaginationRequest.Normalize()
	start := req.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + req.PageSize
	if end > len(matched) {
		end = len(matched)
	}

	return &Page{
		Items:      matched[start:end],
		Pagination: types.NewPaginationResponse(req, int64(len(matched))),
	}, nil
}

// OperationResult 重放结果；投递失败作为数据返回
type OperationResult struct {
	Success       bool            `json:"success"`
	RecordID      string          `json:"record_id"`
	Receipt       *ledger.Receipt `json:"receipt,omitempty"`
	Error         *ledger.Error   `json:"error,omitempty"`
	RetryAttempts int             `json:"retry_attempts"`
	Message       string          `json:"message"`
}

// ManualRetry 用存储的载荷重新写入账本：成功则删除记录，失败则次数加一并更新最后错误
func (h *Handler) ManualRetry(ctx context.Context, id string) (*OperationResult, error) {
	unlock, err := h.queue.Lock(ctx, id, replayLockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := h.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	receipt, deliverErr := h.deliverer.Deliver(ctx, rec.EntityID, rec.Payload)
	if deliverErr == nil {
		if _, err := h.queue.Remove(ctx, id); err != nil {
			return nil, err
		}
		h.invalidateStats(ctx)
		metrics.DeadLetterEventsTotal.WithLabelValues("replayed", string(rec.Category)).Inc()
		h.logger.Info("死信记录重放成功",
			zap.String("id", id),
			zap.String("entity_id", rec.EntityID),
			zap.String("message_id", receipt.MessageID),
		)
		return &OperationResult{
			Success:       true,
			RecordID:      id,
			Receipt:       receipt,
			RetryAttempts: rec.RetryAttempts,
			Message:       "replayed",
		}, nil
	}

	le := ledger.Classify(deliverErr)
	now := h.now().UTC()
	rec.RetryAttempts++
	rec.LastError = *le
	rec.LastRetryAt = &now
	rec.Category = Categorize(le.Code)

	if err := h.queue.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("更新死信记录失败: %w", err)
	}
	h.invalidateStats(ctx)
	metrics.DeadLetterEventsTotal.WithLabelValues("replay_failed", string(rec.Category)).Inc()
	h.logger.Warn("死信记录重放失败",
		zap.String("id", id),
		zap.Int("retry_attempts", rec.RetryAttempts),
		zap.String("code", le.Code),
	)

	return &OperationResult{
		Success:       false,
		RecordID:      id,
		Error:         le,
		RetryAttempts: rec.RetryAttempts,
		Message:       le.Message,
	}, nil
}

// ErrNoScheduler 未配置异步重放
var ErrNoScheduler = errors.New("deadletter: async replay not configured")

// ScheduleRetry 投递异步重放任务，队列由记录优先级决定
func (h *Handler) ScheduleRetry(ctx context.Context, id string) (*FailedDeliveryRecord, error) {
	if h.scheduler == nil {
		return nil, ErrNoScheduler
	}
	rec, err := h.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := h.scheduler.EnqueueReplay(ctx, id, string(rec.Priority)); err != nil {
		return nil, fmt.Errorf("投递重放任务失败: %w", err)
	}
	return rec, nil
}

// MarkReviewed 标记已审阅，不影响重放资格
func (h *Handler) MarkReviewed(ctx context.Context, id, notes string) (*FailedDeliveryRecord, error) {
	rec, err := h.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := h.now().UTC()
	rec.Reviewed = true
	rec.ReviewNotes = notes
	rec.ReviewedAt = &now

	if err := h.queue.Update(ctx, rec); err != nil {
		return nil, err
	}
	h.invalidateStats(ctx)
	metrics.DeadLetterEventsTotal.WithLabelValues("reviewed", string(rec.Category)).Inc()
	return rec, nil
}

// Stats 统计窗口内的死信概况
type Stats struct {
	WindowStart          time.Time        `json:"window_start"`
	GeneratedAt          time.Time        `json:"generated_at"`
	Total                int              `json:"total"`
	QueueDepth           int              `json:"queue_depth"`
	ByCategory           map[Category]int `json:"by_category"`
	ByErrorCode          map[string]int   `json:"by_error_code"`
	ByPriority           map[Priority]int `json:"by_priority"`
	Reviewed             int              `json:"reviewed"`
	AverageRetryAttempts float64          `json:"average_retry_attempts"`
}

// Statistics 返回统计快照，短时缓存；缓存异常时直接计算
func (h *Handler) Statistics(ctx context.Context) (*Stats, error) {
	var cached Stats
	err := cache.GetJSON(ctx, h.store, statsCacheKey, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		h.logger.Warn("读取统计缓存失败", zap.Error(err))
	}

	all, err := h.queue.List(ctx)
	if err != nil {
		return nil, err
	}

	now := h.now().UTC()
	stats := &Stats{
		WindowStart: now.Add(-h.opts.StatsWindow),
		GeneratedAt: now,
		QueueDepth:  len(all),
		ByCategory:  make(map[Category]int),
		ByErrorCode: make(map[string]int),
		ByPriority:  make(map[Priority]int),
	}

	attempts := 0
	depth := make(map[Priority]int)
	for _, rec := range all {
		depth[rec.Priority]++
		if rec.FirstFailedAt.Before(stats.WindowStart) {
			continue
		}
		stats.Total++
		stats.ByCategory[rec.Category]++
		stats.ByErrorCode[rec.LastError.Code]++
		stats.ByPriority[rec.Priority]++
		if rec.Reviewed {
			stats.Reviewed++
		}
		attempts += rec.RetryAttempts
	}
	if stats.Total > 0 {
		stats.AverageRetryAttempts = float64(attempts) / float64(stats.Total)
	}

	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow} {
		metrics.DeadLetterRecords.WithLabelValues(string(p)).Set(float64(depth[p]))
	}

	if err := cache.SetJSON(ctx, h.store, statsCacheKey, stats, h.opts.StatsTTL); err != nil {
		h.logger.Warn("写入统计缓存失败", zap.Error(err))
	}
	return stats, nil
}

func (h *Handler) invalidateStats(ctx context.Context) {
	if err := h.store.Delete(ctx, statsCacheKey); err != nil {
		h.logger.Warn("清除统计缓存失败", zap.Error(err))
	}
}
