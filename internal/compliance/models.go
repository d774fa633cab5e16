package compliance

import (
	"time"

	"gorm.io/datatypes"

	"custodychain/pkg/types"
)

// 校验结果错误码
const (
	CodeRulesNotFound     = "RULES_NOT_FOUND"
	CodeSequenceViolation = "SEQUENCE_VIOLATION"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ============================================================================
// 动作校验
// ============================================================================

// ActionValidationRequest 动作校验请求
type ActionValidationRequest struct {
	Action   string         `json:"action" binding:"required"`
	EntityID string         `json:"entityId" binding:"required"`
	Actor    types.Actor    `json:"actor"`
	Data     map[string]any `json:"data"`
	// 显式指定规则 id，为空时按 (role, action) 从目录加载
	RuleIDs []string `json:"ruleIds,omitempty"`
}

// ValidationMetadata 校验通过后的流程信息
type ValidationMetadata struct {
	SequencePosition   int          `json:"sequencePosition"`
	CompletedStages    []types.Role `json:"completedStages"`
	NextRequiredAction string       `json:"nextRequiredAction,omitempty"`
	WorkflowStatus     string       `json:"workflowStatus"`
}

// DeliveryStatus 审计记录写入账本的结果
type DeliveryStatus struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"messageId,omitempty"`
	FailureID string `json:"failureId,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// ValidationResult 校验结果；预期内的失败都以数据返回
type ValidationResult struct {
	Valid         bool                `json:"isValid"`
	Code          string              `json:"code,omitempty"`
	Violations    []string            `json:"violations"`
	CorrelationID string              `json:"correlationId"`
	Reason        string              `json:"reason"`
	Timestamp     time.Time           `json:"timestamp"`
	Metadata      *ValidationMetadata `json:"metadata,omitempty"`
	Credential    *CredentialMetadata `json:"credential,omitempty"`
	Delivery      *DeliveryStatus     `json:"delivery,omitempty"`
}

// ============================================================================
// 凭证
// ============================================================================

// CredentialMetadata 工作流完成后签发的凭证，每个实体只有一份
type CredentialMetadata struct {
	EntityID            string              `json:"entityId"`
	Issuer              string              `json:"issuer"`
	IssuedAt            time.Time           `json:"issuedAt"`
	ExpiresAt           time.Time           `json:"expiresAt"`
	Completion          map[types.Role]bool `json:"completion"`
	RenewalRequirements []string            `json:"renewalRequirements"`
	CorrelationID       string              `json:"correlationId"`
}

// CredentialRecord 凭证持久化记录
type CredentialRecord struct {
	ID                  string         `gorm:"primaryKey;size:36"`
	EntityID            string         `gorm:"size:128;not null;uniqueIndex"`
	Issuer              string         `gorm:"size:200;not null"`
	IssuedAt            time.Time      `gorm:"not null"`
	ExpiresAt           time.Time      `gorm:"not null;index"`
	Snapshot            datatypes.JSON `gorm:"not null"`
	RenewalRequirements datatypes.JSON
	CorrelationID       string `gorm:"size:36"`
	CreatedAt           time.Time
}

// TableName 指定表名
func (CredentialRecord) TableName() string {
	return "custody_credentials"
}
