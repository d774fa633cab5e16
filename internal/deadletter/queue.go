package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("deadletter: record not found")
	// ErrLocked 记录正在重放
	ErrLocked = errors.New("deadletter: record is being replayed")
)

// Queue 死信记录集合，按 id 寻址
type Queue interface {
	Add(ctx context.Context, rec *FailedDeliveryRecord) error
	Get(ctx context.Context, id string) (*FailedDeliveryRecord, error)
	// Update 仅当记录仍存在时覆盖
	Update(ctx context.Context, rec *FailedDeliveryRecord) error
	Remove(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*FailedDeliveryRecord, error)
	// Lock 获取记录级互斥，已被持有时返回 ErrLocked
	Lock(ctx context.Context, id string, ttl time.Duration) (func(), error)
}

// RedisQueue 单个 Redis hash 存储全部记录，字段为记录 id
// 追加、更新、删除都是单条命令，并发追加不会丢记录
type RedisQueue struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisQueue 创建 Redis 死信队列
func NewRedisQueue(rdb redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

// updateIfExists 记录已被删除时不复活
var updateIfExists = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// releaseLock 只释放自己持有的锁
var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (q *RedisQueue) lockKey(id string) string {
	return q.key + ":lock:" + id
}

// Add 写入新记录
func (q *RedisQueue) Add(ctx context.Context, rec *FailedDeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化死信记录失败: %w", err)
	}
	ok, err := q.rdb.HSetNX(ctx, q.key, rec.ID, data).Result()
	if err != nil {
		return fmt.Errorf("写入死信记录失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("死信记录 id 冲突: %s", rec.ID)
	}
	return nil
}

// Get 读取记录
func (q *RedisQueue) Get(ctx context.Context, id string) (*FailedDeliveryRecord, error) {
	data, err := q.rdb.HGet(ctx, q.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取死信记录失败: %w", err)
	}
	var rec FailedDeliveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("解析死信记录失败: %w", err)
	}
	return &rec, nil
}

// Update 覆盖已有记录
func (q *RedisQueue) Update(ctx context.Context, rec *FailedDeliveryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化死信记录失败: %w", err)
	}
	n, err := updateIfExists.Run(ctx, q.rdb, []string{q.key}, rec.ID, data).Int()
	if err != nil {
		return fmt.Errorf("更新死信记录失败: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove 删除记录，返回是否存在
func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.HDel(ctx, q.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("删除死信记录失败: %w", err)
	}
	return n > 0, nil
}

// List 返回全部记录（无序）
func (q *RedisQueue) List(ctx context.Context) ([]*FailedDeliveryRecord, error) {
	values, err := q.rdb.HVals(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("读取死信队列失败: %w", err)
	}
	out := make([]*FailedDeliveryRecord, 0, len(values))
	for _, v := range values {
		var rec FailedDeliveryRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("解析死信记录失败: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Lock SET NX PX 实现的记录级锁，跨进程（API 与 worker）有效
func (q *RedisQueue) Lock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := q.lockKey(id)
	ok, err := q.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取重放锁失败: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		_ = releaseLock.Run(context.WithoutCancel(ctx), q.rdb, []string{key}, token).Err()
	}, nil
}
