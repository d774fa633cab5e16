package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"custodychain/internal/metrics"
	"custodychain/pkg/types"
)

// ErrNoChange 由 Update 的回调返回，表示无需写回
var ErrNoChange = errors.New("state: no change")

// ErrConflict 乐观重试次数耗尽
var ErrConflict = errors.New("state: concurrent update conflict")

// DefaultMaxUpdateRetries WATCH 冲突时的默认重试次数
const DefaultMaxUpdateRetries = 5

// Store 状态存储
// 同一实体的读改写在进程内由键锁串行化，跨进程由 WATCH/MULTI 乐观校验保证
type Store struct {
	redis      redis.UniversalClient
	locks      *keyedMutex
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// NewStore 创建状态存储
func NewStore(redisClient redis.UniversalClient, maxRetries int, logger *zap.Logger) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxUpdateRetries
	}
	return &Store{
		redis:      redisClient,
		locks:      newKeyedMutex(),
		maxRetries: maxRetries,
		logger:     logger.Named("workflow_state"),
		now:        time.Now,
	}
}

// Get 获取实体状态，不存在时返回默认状态
func (s *Store) Get(ctx context.Context, entityID string) (*WorkflowState, error) {
	data, err := s.redis.Get(ctx, stateKey(entityID)).Bytes()
	return decodeState(entityID, data, err)
}

// Update 串行化地读取、修改并写回实体状态，返回写回后的状态
// fn 返回 ErrNoChange 时不写回，返回当前状态；返回其他错误时原样返回
func (s *Store) Update(ctx context.Context, entityID string, fn func(*WorkflowState) error) (*WorkflowState, error) {
	unlock := s.locks.Lock(entityID)
	defer unlock()

	key := stateKey(entityID)
	var result *WorkflowState

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		current, err := decodeState(entityID, data, err)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = current
				return nil
			}
			return err
		}

		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("序列化状态失败: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// 状态不过期
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		metrics.WorkflowUpdateConflicts.Inc()
		s.logger.Debug("状态写入冲突，重试",
			zap.String("entity_id", entityID),
			zap.Int("attempt", attempt+1),
		)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: entity %s", ErrConflict, entityID)
}

func decodeState(entityID string, data []byte, err error) (*WorkflowState, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewState(entityID), nil
		}
		return nil, fmt.Errorf("获取状态失败: %w", err)
	}

	st := NewState(entityID)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("解析状态失败: %w", err)
	}
	if st.StageCompletedAt == nil {
		st.StageCompletedAt = make(map[types.Role]time.Time)
	}
	if st.StageCompletedStep == nil {
		st.StageCompletedStep = make(map[types.Role]int)
	}
	return st, nil
}

// stateKey 生成 Redis key
func stateKey(entityID string) string {
	return fmt.Sprintf("workflow:state:%s", entityID)
}
