package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"custodychain/internal/audit"
	"custodychain/internal/metrics"
	"custodychain/internal/retry"
)

// FailureRecorder 接收写入失败的记录（死信队列）
type FailureRecorder interface {
	RecordFailure(ctx context.Context, payload []byte, lastErr *Error) (string, error)
}

// Outcome 一次发布的结果；投递失败不会作为请求级错误返回
type Outcome struct {
	Delivered bool
	Receipt   *Receipt
	FailureID string
	Err       *Error
}

// Publisher 账本写入路径：序列化、签名、退避重试，失败后升级到死信队列
type Publisher struct {
	writer Writer
	signer Signer
	retry  *retry.Manager
	logger *zap.Logger

	mu       sync.RWMutex
	recorder FailureRecorder
}

// NewPublisher 创建发布器
func NewPublisher(writer Writer, signer Signer, retryManager *retry.Manager, logger *zap.Logger) *Publisher {
	if signer == nil {
		signer = DigestSigner{}
	}
	return &Publisher{
		writer: writer,
		signer: signer,
		retry:  retryManager,
		logger: logger.Named("ledger_publisher"),
	}
}

// SetFailureRecorder 注入死信队列（与重放路径互相依赖，构造后设置）
func (p *Publisher) SetFailureRecorder(r FailureRecorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
}

// Publish 写入一条审计记录；重试耗尽或遇到不可重试错误时交给死信队列
func (p *Publisher) Publish(ctx context.Context, rec *audit.Record) Outcome {
	payload, err := rec.Marshal()
	if err != nil {
		le := &Error{Code: CodeInvalidPayload, Message: err.Error()}
		metrics.LedgerWritesTotal.WithLabelValues("failed").Inc()
		return Outcome{Err: le}
	}

	receipt, err := p.Deliver(ctx, rec.EntityID, payload)
	if err == nil {
		return Outcome{Delivered: true, Receipt: receipt}
	}

	le := Classify(err)
	logger := p.logger.With(
		zap.String("entity_id", rec.EntityID),
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("code", le.Code),
	)

	p.mu.RLock()
	recorder := p.recorder
	p.mu.RUnlock()
	if recorder == nil {
		logger.Error("账本写入失败且未配置死信队列", zap.Error(err))
		metrics.LedgerWritesTotal.WithLabelValues("failed").Inc()
		return Outcome{Err: le}
	}

	// 请求上下文可能已取消，死信写入不随之放弃
	id, recErr := recorder.RecordFailure(context.WithoutCancel(ctx), payload, le)
	if recErr != nil {
		logger.Error("写入死信队列失败", zap.Error(recErr), zap.NamedError("ledger_error", err))
		metrics.LedgerWritesTotal.WithLabelValues("failed").Inc()
		return Outcome{Err: le}
	}

	logger.Warn("账本写入失败，已转入死信队列", zap.String("failure_id", id), zap.Error(err))
	metrics.LedgerWritesTotal.WithLabelValues("dead_lettered").Inc()
	return Outcome{FailureID: id, Err: le}
}

// Deliver 签名并带重试地写入载荷，不做死信升级（重放路径使用）
func (p *Publisher) Deliver(ctx context.Context, entityID string, payload []byte) (*Receipt, error) {
	signature, err := p.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}

	var receipt *Receipt
	err = p.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := p.writer.Submit(ctx, entityID, payload, signature)
		if err != nil {
			return Classify(err)
		}
		receipt = r
		return nil
	}, IsRetryable)
	if err != nil {
		return nil, err
	}

	metrics.LedgerWritesTotal.WithLabelValues("delivered").Inc()
	p.logger.Debug("账本写入成功",
		zap.String("entity_id", entityID),
		zap.String("message_id", receipt.MessageID),
	)
	return receipt, nil
}
