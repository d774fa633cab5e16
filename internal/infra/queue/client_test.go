package queue

import (
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodychain/internal/config"
	"custodychain/internal/worker/tasks"
)

func TestQueueForPriority(t *testing.T) {
	assert.Equal(t, QueueCritical, QueueForPriority("critical"))
	assert.Equal(t, QueueHigh, QueueForPriority("high"))
	assert.Equal(t, QueueDefault, QueueForPriority("medium"))
	assert.Equal(t, QueueLow, QueueForPriority("low"))
	assert.Equal(t, QueueDefault, QueueForPriority(""))
}

func TestNewReplayTask(t *testing.T) {
	task, opts, err := NewReplayTask("rec-1", "critical")
	require.NoError(t, err)
	assert.Equal(t, tasks.TypeReplayFailure, task.Type())

	var p tasks.ReplayPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "rec-1", p.RecordID)

	found := map[asynq.OptionType]any{}
	for _, o := range opts {
		found[o.Type()] = o.Value()
	}
	assert.Equal(t, "critical", found[asynq.QueueOpt])
	assert.Equal(t, "deadletter:replay:rec-1", found[asynq.TaskIDOpt])
	assert.Equal(t, replayMaxRetry, found[asynq.MaxRetryOpt])
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig().ToAsynqConfig()
	assert.Len(t, cfg.Queues, 4)
	assert.Greater(t, cfg.Queues[QueueCritical], cfg.Queues[QueueHigh])
	assert.Greater(t, cfg.Queues[QueueHigh], cfg.Queues[QueueDefault])
	assert.Greater(t, cfg.Queues[QueueDefault], cfg.Queues[QueueLow])
}

func TestRedisConnOpt(t *testing.T) {
	opt := RedisConnOpt(config.RedisConfig{Host: "redis", Port: 6380, DB: 2})
	std, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	assert.Equal(t, "redis:6380", std.Addr)
	assert.Equal(t, 2, std.DB)

	_, ok = RedisConnOpt(config.RedisConfig{Mode: "sentinel", MasterName: "m"}).(asynq.RedisFailoverClientOpt)
	assert.True(t, ok)
	_, ok = RedisConnOpt(config.RedisConfig{Mode: "cluster", ClusterAddrs: []string{"a:1"}}).(asynq.RedisClusterClientOpt)
	assert.True(t, ok)
}
