package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"custodychain/internal/cache"
	"custodychain/pkg/types"
)

// DefaultTTL 规则缓存默认有效期
const DefaultTTL = time.Hour

// Catalog 规则目录：基于 cache.Store 的旁路缓存
type Catalog struct {
	source Source
	store  cache.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalog 创建规则目录
func NewCatalog(source Source, store cache.Store, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		source: source,
		store:  store,
		ttl:    ttl,
		logger: logger.Named("rules"),
	}
}

func cacheKey(role types.Role, action string) string {
	return fmt.Sprintf("rules:%s:%s", role, action)
}

const allRulesKey = "rules:all"

// LoadRules 返回适用于 (role, action) 的规则，按 SequencePosition 排序
// 缓存读写失败只记录日志，回退到配置源
func (c *Catalog) LoadRules(ctx context.Context, role types.Role, action string) ([]ComplianceRule, error) {
	key := cacheKey(role, action)

	var cached []ComplianceRule
	err := cache.GetJSON(ctx, c.store, key, &cached)
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, cache.ErrMiss):
		c.logger.Warn("读取规则缓存失败，回退到配置源", zap.String("key", key), zap.Error(err))
	}

	all, err := c.source.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载规则失败: %w", err)
	}

	matched := make([]ComplianceRule, 0, len(all))
	for _, r := range all {
		if r.AppliesTo(role, action) {
			matched = append(matched, r)
		}
	}
	sortBySequence(matched)

	if len(matched) > 0 {
		if err := cache.SetJSON(ctx, c.store, key, matched, c.ttl); err != nil {
			c.logger.Warn("写入规则缓存失败", zap.String("key", key), zap.Error(err))
		}
	}

	c.logger.Debug("规则已从配置源加载",
		zap.String("role", string(role)),
		zap.String("action", action),
		zap.Int("count", len(matched)),
	)
	return matched, nil
}

// RulesByID 按 id 取规则（请求显式指定规则时使用），未知 id 被忽略
func (c *Catalog) RulesByID(ctx context.Context, ids []string) ([]ComplianceRule, error) {
	all, err := c.allRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ComplianceRule, 0, len(ids))
	for _, r := range all {
		if slices.Contains(ids, r.ID) {
			out = append(out, r)
		}
	}
	sortBySequence(out)
	return out, nil
}

func (c *Catalog) allRules(ctx context.Context) ([]ComplianceRule, error) {
	var cached []ComplianceRule
	if err := cache.GetJSON(ctx, c.store, allRulesKey, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		c.logger.Warn("读取规则缓存失败，回退到配置源", zap.String("key", allRulesKey), zap.Error(err))
	}

	all, err := c.source.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("加载规则失败: %w", err)
	}
	if err := cache.SetJSON(ctx, c.store, allRulesKey, all, c.ttl); err != nil {
		c.logger.Warn("写入规则缓存失败", zap.String("key", allRulesKey), zap.Error(err))
	}
	return all, nil
}

// Invalidate 删除 (role, action) 的缓存条目
func (c *Catalog) Invalidate(ctx context.Context, role types.Role, action string) error {
	if err := c.store.Delete(ctx, cacheKey(role, action)); err != nil {
		return err
	}
	return c.store.Delete(ctx, allRulesKey)
}
