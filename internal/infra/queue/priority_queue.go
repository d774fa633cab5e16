package queue

import (
	"github.com/hibiken/asynq"

	"custodychain/internal/config"
)

// 队列名称，与死信优先级一一对应
const (
	QueueCritical = "critical"
	QueueHigh     = "high"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// QueueForPriority 死信优先级转队列名
func QueueForPriority(priority string) string {
	switch priority {
	case "critical":
		return QueueCritical
	case "high":
		return QueueHigh
	case "low":
		return QueueLow
	default:
		return QueueDefault
	}
}

// AllQueues 按优先级从高到低
func AllQueues() []string {
	return []string{QueueCritical, QueueHigh, QueueDefault, QueueLow}
}

// ServerConfig 优先级队列服务器配置
type ServerConfig struct {
	Concurrency int            // 并发数
	Queues      map[string]int // 队列优先级权重
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Concurrency: 4,
		Queues: map[string]int{
			QueueCritical: 6, // 最高权重
			QueueHigh:     4,
			QueueDefault:  2,
			QueueLow:      1,
		},
	}
}

// ToAsynqConfig 转换为 asynq 配置
func (c *ServerConfig) ToAsynqConfig() asynq.Config {
	return asynq.Config{
		Concurrency: c.Concurrency,
		Queues:      c.Queues,
	}
}

// RedisConnOpt 按 Redis 部署模式生成 asynq 连接参数
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			PoolSize:         cfg.PoolSize,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	default:
		return asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}
	}
}
