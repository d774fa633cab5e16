// Package deadletter 账本写入死信队列：分类、优先级、人工重放与统计
package deadletter

import (
	"encoding/json"
	"strings"
	"time"

	"custodychain/internal/audit"
	"custodychain/internal/ledger"
	"custodychain/pkg/types"
)

// Category 失败分类
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategoryRateLimit  Category = "rate_limit"
	CategoryService    Category = "service"
	CategoryUnknown    Category = "unknown"
)

// Priority 处理优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank 排序权重，越大越优先
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// FailedDeliveryRecord 死信记录；只有重放成功才会删除，其余情况原地更新
type FailedDeliveryRecord struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entity_id"`
	EventType     audit.EventType `json:"event_type,omitempty"`
	Role          types.Role      `json:"role,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	RetryAttempts int             `json:"retry_attempts"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastRetryAt   *time.Time      `json:"last_retry_at,omitempty"`
	LastError     ledger.Error    `json:"last_error"`
	Category      Category        `json:"category"`
	Priority      Priority        `json:"priority"`
	Reviewed      bool            `json:"reviewed"`
	ReviewNotes   string          `json:"review_notes,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewed_at,omitempty"`
}

// LastActivity 最近一次失败或重放时间
func (r *FailedDeliveryRecord) LastActivity() time.Time {
	if r.LastRetryAt != nil && r.LastRetryAt.After(r.FirstFailedAt) {
		return *r.LastRetryAt
	}
	return r.FirstFailedAt
}

// Categorize 按错误码关键字分类
func Categorize(code string) Category {
	upper := strings.ToUpper(code)
	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(upper, w) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny("RATE", "THROTTL", "QUOTA"):
		return CategoryRateLimit
	case containsAny("NETWORK", "TIMEOUT", "CONNECTION", "DNS"):
		return CategoryNetwork
	case containsAny("INVALID", "VALIDATION", "MALFORMED", "SIGNATURE"):
		return CategoryValidation
	case containsAny("SERVICE", "UNAVAILABLE", "INTERNAL", "GATEWAY"):
		return CategoryService
	default:
		return CategoryUnknown
	}
}

// PriorityFor 按事件语义定优先级：终端核验 > 源头登记 > 中间加工 > 其他
func PriorityFor(eventType audit.EventType, role types.Role) Priority {
	switch eventType {
	case audit.EventVerified:
		return PriorityCritical
	case audit.EventOriginRecorded:
		return PriorityHigh
	case audit.EventTransformRecorded:
		return PriorityMedium
	case "":
		switch role {
		case types.RoleVerify:
			return PriorityCritical
		case types.RoleOrigin:
			return PriorityHigh
		case types.RoleTransform:
			return PriorityMedium
		}
	}
	return PriorityLow
}
