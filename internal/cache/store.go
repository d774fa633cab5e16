// Package cache 提供规则目录、统计快照使用的 KV 缓存
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss 键不存在或已过期
var ErrMiss = errors.New("cache: key not found")

// Store KV 存储接口：get / set(ttl) / delete
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON 读取并反序列化，未命中返回 ErrMiss
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("解析缓存值失败 [%s]: %w", key, err)
	}
	return nil
}

// SetJSON 序列化后写入
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存值失败 [%s]: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}
