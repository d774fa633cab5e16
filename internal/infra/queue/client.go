package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"custodychain/internal/worker/tasks"
)

const (
	replayTaskPrefix = "deadletter:replay:"
	replayMaxRetry   = 3
	replayTimeout    = 2 * time.Minute
)

// Client 死信异步重放任务客户端
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *zap.Logger
}

// NewClient 创建任务队列客户端
func NewClient(opt asynq.RedisConnOpt, logger *zap.Logger) *Client {
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		logger:    logger.Named("replay_queue"),
	}
}

// ReplayTaskID 同一条记录同时只存在一个重放任务
func ReplayTaskID(recordID string) string {
	return replayTaskPrefix + recordID
}

// NewReplayTask 构建重放任务及其选项，队列由优先级决定
func NewReplayTask(recordID, priority string) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(tasks.ReplayPayload{RecordID: recordID, Priority: priority})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueForPriority(priority)),
		asynq.TaskID(ReplayTaskID(recordID)),
		asynq.MaxRetry(replayMaxRetry),
		asynq.Timeout(replayTimeout),
	}
	return asynq.NewTask(tasks.TypeReplayFailure, data), opts, nil
}

// EnqueueReplay 投递重放任务；已在排队的记录直接返回成功
func (c *Client) EnqueueReplay(ctx context.Context, recordID, priority string) error {
	task, opts, err := NewReplayTask(recordID, priority)
	if err != nil {
		return err
	}

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.logger.Info("重放任务已在队列中", zap.String("record_id", recordID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}

	c.logger.Info("重放任务已投递",
		zap.String("record_id", recordID),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	return nil
}

// QueueStats 队列积压概况
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Stats 各优先级队列统计；尚未创建的队列跳过
func (c *Client) Stats() map[string]*QueueStats {
	stats := make(map[string]*QueueStats)
	for _, q := range AllQueues() {
		info, err := c.inspector.GetQueueInfo(q)
		if err != nil {
			continue
		}
		stats[q] = &QueueStats{
			Queue:     q,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Processed: info.Processed,
			Failed:    info.Failed,
		}
	}
	return stats
}

// Close 关闭客户端
func (c *Client) Close() error {
	_ = c.inspector.Close()
	return c.client.Close()
}
