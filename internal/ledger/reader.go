package ledger

import (
	"context"
	"encoding/base64"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"custodychain/internal/audit"
	"custodychain/internal/metrics"
	"custodychain/internal/retry"
)

// VerificationStatus 实体核验状态
type VerificationStatus string

const (
	StatusNotFound VerificationStatus = "not_found"
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
)

// Event 从账本解码出的托管事件
type Event struct {
	EntityID       string          `json:"entityId"`
	EventType      audit.EventType `json:"eventType"`
	Action         string          `json:"action,omitempty"`
	Actor          string          `json:"actor"`
	Result         audit.Result    `json:"result,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Verification 实体核验视图
type Verification struct {
	EntityID    string             `json:"entityId"`
	Status      VerificationStatus `json:"status"`
	Events      []Event            `json:"events"`
	LastUpdated *time.Time         `json:"lastUpdated,omitempty"`
}

// ReaderOptions 读取端参数
type ReaderOptions struct {
	TopicID           string
	RequestsPerSecond float64
	Burst             int
	PageSize          int
	MaxPages          int
}

// Reader 限流、重试、分页的账本读取客户端
type Reader struct {
	source  Source
	limiter *rate.Limiter
	retry   *retry.Manager
	opts    ReaderOptions
	logger  *zap.Logger
}

// NewReader 创建读取器；所有出站请求先经过令牌桶，额度不足时等待而不是拒绝
func NewReader(source Source, opts ReaderOptions, retryManager *retry.Manager, logger *zap.Logger) *Reader {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	return &Reader{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		retry:   retryManager,
		opts:    opts,
		logger:  logger.Named("ledger_reader"),
	}
}

// fetchPage 取一页，每次尝试都先等待令牌
func (r *Reader) fetchPage(ctx context.Context, cursor string) (*MessagePage, error) {
	var page *MessagePage
	err := r.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		metrics.LedgerReadWait.Observe(time.Since(start).Seconds())

		p, err := r.source.ListMessages(ctx, r.opts.TopicID, cursor, r.opts.PageSize)
		if err != nil {
			le := Classify(err)
			metrics.LedgerReadsTotal.WithLabelValues(le.Code).Inc()
			return le
		}
		metrics.LedgerReadsTotal.WithLabelValues("ok").Inc()
		page = p
		return nil
	}, IsRetryable)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Records 按游标翻页读取最近的记录，最多 MaxPages 页
func (r *Reader) Records(ctx context.Context) ([]Record, error) {
	var (
		all    []Record
		cursor string
	)
	for page := 0; page < r.opts.MaxPages; page++ {
		p, err := r.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Records...)
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	return all, nil
}

// EntityVerification 从账本记录重建实体核验状态
// 任何位置出现 verified 事件即视为已核验
func (r *Reader) EntityVerification(ctx context.Context, entityID string) (*Verification, error) {
	records, err := r.Records(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0)
	for _, rec := range records {
		ev, ok := r.decode(rec)
		if !ok || ev.EntityID != entityID {
			continue
		}
		events = append(events, ev)
	}
	return classify(entityID, events), nil
}

func (r *Reader) decode(rec Record) (Event, bool) {
	raw, err := base64.StdEncoding.DecodeString(rec.MessageBase64)
	if err != nil {
		r.logger.Debug("跳过无法解码的账本消息", zap.Int64("sequence", rec.SequenceNumber), zap.Error(err))
		return Event{}, false
	}
	msg, err := audit.Decode(raw)
	if err != nil || msg.EntityID == "" {
		r.logger.Debug("跳过非托管事件消息", zap.Int64("sequence", rec.SequenceNumber))
		return Event{}, false
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		ts = msg.Timestamp
	}
	return Event{
		EntityID:       msg.EntityID,
		EventType:      msg.EventType,
		Action:         msg.Action,
		Actor:          msg.Actor,
		Result:         msg.Result,
		CorrelationID:  msg.CorrelationID,
		SequenceNumber: rec.SequenceNumber,
		Timestamp:      ts,
	}, true
}

func classify(entityID string, events []Event) *Verification {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	v := &Verification{EntityID: entityID, Status: StatusNotFound, Events: events}
	if len(events) == 0 {
		return v
	}

	latest := events[0].Timestamp
	v.LastUpdated = &latest
	v.Status = StatusPending
	for _, ev := range events {
		if ev.EventType.IsTerminal() {
			v.Status = StatusVerified
			break
		}
	}
	return v
}
