package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodychain/pkg/types"
)

var ErrCredentialNotFound = errors.New("凭证不存在")

// CredentialRepository 凭证存储，entity_id 唯一，首次写入生效
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository 创建仓库
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Issue 写入凭证；实体已有凭证时返回已存储的那一份，created 为 false
func (r *CredentialRepository) Issue(ctx context.Context, meta *CredentialMetadata) (*CredentialMetadata, bool, error) {
	snapshot, err := json.Marshal(meta.Completion)
	if err != nil {
		return nil, false, fmt.Errorf("序列化完成快照失败: %w", err)
	}
	renewal, err := json.Marshal(meta.RenewalRequirements)
	if err != nil {
		return nil, false, fmt.Errorf("序列化续期要求失败: %w", err)
	}

	rec := &CredentialRecord{
		ID:                  uuid.NewString(),
		EntityID:            meta.EntityID,
		Issuer:              meta.Issuer,
		IssuedAt:            meta.IssuedAt,
		ExpiresAt:           meta.ExpiresAt,
		Snapshot:            snapshot,
		RenewalRequirements: renewal,
		CorrelationID:       meta.CorrelationID,
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entity_id"}}, DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return nil, false, fmt.Errorf("写入凭证失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := r.Get(ctx, meta.EntityID)
		return existing, false, err
	}
	return meta, true, nil
}

// Get 读取实体凭证
func (r *CredentialRepository) Get(ctx context.Context, entityID string) (*CredentialMetadata, error) {
	var rec CredentialRecord
	err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询凭证失败: %w", err)
	}
	return rec.toMetadata()
}

func (rec *CredentialRecord) toMetadata() (*CredentialMetadata, error) {
	meta := &CredentialMetadata{
		EntityID:      rec.EntityID,
		Issuer:        rec.Issuer,
		IssuedAt:      rec.IssuedAt.UTC(),
		ExpiresAt:     rec.ExpiresAt.UTC(),
		CorrelationID: rec.CorrelationID,
		Completion:    make(map[types.Role]bool),
	}
	if err := json.Unmarshal(rec.Snapshot, &meta.Completion); err != nil {
		return nil, fmt.Errorf("解析完成快照失败: %w", err)
	}
	if len(rec.RenewalRequirements) > 0 {
		if err := json.Unmarshal(rec.RenewalRequirements, &meta.RenewalRequirements); err != nil {
			return nil, fmt.Errorf("解析续期要求失败: %w", err)
		}
	}
	return meta, nil
}
