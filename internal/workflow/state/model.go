// Package state 实体托管流程状态：按实体 id 存放在 Redis 中的读改写目标
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"custodychain/pkg/types"
)

// Status 流程状态
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in_progress"
	StatusBlocked     Status = "blocked"
	StatusCompleted   Status = "completed"
)

// ErrStageOrder 完成阶段时前置阶段缺失
var ErrStageOrder = errors.New("state: prerequisite stage missing")

// WorkflowState 实体的托管流程状态，只会被覆盖，不会删除
type WorkflowState struct {
	EntityID           string                   `json:"entity_id"`
	CurrentStep        int                      `json:"current_step"`
	CompletedStages    []types.Role             `json:"completed_stages"`
	Status             Status                   `json:"status"`
	LastActor          string                   `json:"last_actor,omitempty"`
	LastActionAt       *time.Time               `json:"last_action_at,omitempty"`
	StageCompletedAt   map[types.Role]time.Time `json:"stage_completed_at"`
	// StageCompletedStep 阶段最近一次完成时的 CurrentStep，用于判定先后；时间仅供展示
	StageCompletedStep map[types.Role]int       `json:"stage_completed_step"`
	BlockedReason      string                   `json:"blocked_reason,omitempty"`
	Version            int64                    `json:"version"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// NewState 创建实体的默认状态
func NewState(entityID string) *WorkflowState {
	return &WorkflowState{
		EntityID:           entityID,
		CompletedStages:    []types.Role{},
		Status:             StatusInitialized,
		StageCompletedAt:   make(map[types.Role]time.Time),
		StageCompletedStep: make(map[types.Role]int),
	}
}

// HasStage 阶段是否已完成
func (s *WorkflowState) HasStage(role types.Role) bool {
	return slices.Contains(s.CompletedStages, role)
}

// MissingPrerequisites 返回 role 之前尚未完成的阶段
func (s *WorkflowState) MissingPrerequisites(role types.Role) []types.Role {
	var missing []types.Role
	for _, pre := range role.Prerequisites() {
		if !s.HasStage(pre) {
			missing = append(missing, pre)
		}
	}
	return missing
}

// CompletedAfter later 最近一次完成是否晚于 role 最近一次完成（按步数，不看时钟）
func (s *WorkflowState) CompletedAfter(later, role types.Role) bool {
	roleStep, ok := s.StageCompletedStep[role]
	if !ok {
		return false
	}
	laterStep, ok := s.StageCompletedStep[later]
	return ok && laterStep > roleStep
}

// AllStagesComplete 三个阶段是否都已完成
func (s *WorkflowState) AllStagesComplete() bool {
	for _, r := range types.StageOrder {
		if !s.HasStage(r) {
			return false
		}
	}
	return true
}

// CompleteStage 记录 role 完成一次动作：
// 阶段集合只增不减且遵守固定顺序，全部完成后状态才会变为 completed
func (s *WorkflowState) CompleteStage(role types.Role, actor string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("state: unknown role %q", role)
	}
	if missing := s.MissingPrerequisites(role); len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %v", ErrStageOrder, role, missing)
	}

	if !s.HasStage(role) {
		s.CompletedStages = append(s.CompletedStages, role)
	}
	if s.StageCompletedAt == nil {
		s.StageCompletedAt = make(map[types.Role]time.Time)
	}
	if s.StageCompletedStep == nil {
		s.StageCompletedStep = make(map[types.Role]int)
	}
	s.StageCompletedAt[role] = at
	s.CurrentStep++
	s.StageCompletedStep[role] = s.CurrentStep
	s.LastActor = actor
	s.LastActionAt = &at

	if s.Status == StatusBlocked {
		return nil
	}
	if s.AllStagesComplete() {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusInProgress
	}
	return nil
}

// Block 设置行政冻结
func (s *WorkflowState) Block(reason string) {
	s.Status = StatusBlocked
	s.BlockedReason = reason
}

// Unblock 解除冻结，按已完成阶段恢复状态
func (s *WorkflowState) Unblock() {
	s.BlockedReason = ""
	switch {
	case s.AllStagesComplete():
		s.Status = StatusCompleted
	case len(s.CompletedStages) > 0:
		s.Status = StatusInProgress
	default:
		s.Status = StatusInitialized
	}
}

// Clone 深拷贝
func (s *WorkflowState) Clone() *WorkflowState {
	out := *s
	out.CompletedStages = slices.Clone(s.CompletedStages)
	out.StageCompletedAt = make(map[types.Role]time.Time, len(s.StageCompletedAt))
	for k, v := range s.StageCompletedAt {
		out.StageCompletedAt[k] = v
	}
	out.StageCompletedStep = maps.Clone(s.StageCompletedStep)
	if out.StageCompletedStep == nil {
		out.StageCompletedStep = make(map[types.Role]int)
	}
	if s.LastActionAt != nil {
		t := *s.LastActionAt
		out.LastActionAt = &t
	}
	return &out
}
