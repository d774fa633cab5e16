package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"custodychain/internal/deadletter"
	"custodychain/internal/worker/tasks"
)

// Replayer 死信重放抽象，便于注入 mock
type Replayer interface {
	ManualRetry(ctx context.Context, id string) (*deadletter.OperationResult, error)
}

type ReplayHandler struct {
	replayer Replayer
	logger   *zap.Logger
}

func NewReplayHandler(replayer Replayer, logger *zap.Logger) *ReplayHandler {
	return &ReplayHandler{
		replayer: replayer,
		logger:   logger,
	}
}

// HandleReplayFailure 重放一条死信记录
// 投递失败已记录在死信里，不再交给 asynq 重试；只有记录被占用时才重试
func (h *ReplayHandler) HandleReplayFailure(ctx context.Context, t *asynq.Task) error {
	var p tasks.ReplayPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.RecordID == "" {
		return fmt.Errorf("record_id is empty: %w", asynq.SkipRetry)
	}

	h.logger.Info("开始重放死信记录", zap.String("record_id", p.RecordID))

	res, err := h.replayer.ManualRetry(ctx, p.RecordID)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		h.logger.Info("死信记录已不存在，跳过", zap.String("record_id", p.RecordID))
		return nil
	case err != nil:
		h.logger.Warn("死信重放未执行", zap.String("record_id", p.RecordID), zap.Error(err))
		return err
	}

	if !res.Success {
		h.logger.Warn("死信重放失败",
			zap.String("record_id", p.RecordID),
			zap.Int("retry_attempts", res.RetryAttempts),
			zap.String("message", res.Message),
		)
		return nil
	}

	h.logger.Info("死信重放完成", zap.String("record_id", p.RecordID))
	return nil
}
