package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"custodychain/internal/config"
	"custodychain/internal/metrics"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// PolicyFromConfig 从配置构造策略
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// ExhaustedError 重试次数耗尽，包装最后一次错误
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Operation 可重试的操作，attempt 从 0 开始
type Operation func(ctx context.Context, attempt int) error

// Sleeper 可取消的等待
type Sleeper func(ctx context.Context, d time.Duration) error

// Option 管理器选项
type Option func(*Manager)

// WithSleeper 替换等待实现（测试使用）
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) { m.sleep = s }
}

// WithJitter 替换抖动来源，返回值 [0,1)
func WithJitter(j func() float64) Option {
	return func(m *Manager) { m.jitter = j }
}

// WithOnRetry 每次重试前回调
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(m *Manager) { m.onRetry = fn }
}

// Manager 驱动有界重试循环
type Manager struct {
	name    string
	policy  Policy
	logger  *zap.Logger
	sleep   Sleeper
	jitter  func() float64
	onRetry func(attempt int, delay time.Duration, err error)
}

// NewManager 创建重试管理器，name 用于日志与指标标签
func NewManager(name string, policy Policy, logger *zap.Logger, opts ...Option) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	m := &Manager{
		name:   name,
		policy: policy,
		logger: logger.Named("retry").With(zap.String("operation", name)),
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy 返回当前策略
func (m *Manager) Policy() Policy { return m.policy }

// Do 执行 op；isRetryable 为 nil 时所有错误都可重试
// 不可重试的错误立即原样返回；次数耗尽返回 *ExhaustedError；
// 等待期间 ctx 取消时返回最后一次错误与 ctx 错误的组合
func (m *Manager) Do(ctx context.Context, op Operation, isRetryable func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			m.logger.Debug("错误不可重试，放弃", zap.Int("attempt", attempt+1), zap.Error(err))
			return err
		}
		if attempt == m.policy.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, m.policy.BaseDelay, m.policy.MaxDelay, m.jitter())
		metrics.RetryAttemptsTotal.WithLabelValues(m.name).Inc()
		if m.onRetry != nil {
			m.onRetry(attempt+1, delay, err)
		}
		m.logger.Debug("操作失败，等待后重试",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err := m.sleep(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}

	return &ExhaustedError{Attempts: m.policy.MaxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
