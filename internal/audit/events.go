// Package audit 托管动作审计记录，即写入账本的消息体
package audit

import "custodychain/pkg/types"

// EventType 写入账本的托管事件类型
type EventType string

const (
	EventOriginRecorded    EventType = "origin_recorded"    // 源头阶段完成
	EventTransformRecorded EventType = "transform_recorded" // 加工阶段完成
	EventVerified          EventType = "verified"           // 终端核验完成
	EventActionRejected    EventType = "action_rejected"    // 动作被拒绝
)

// EventTypeFor 根据角色与校验结果推断事件类型
func EventTypeFor(role types.Role, approved bool) EventType {
	if !approved {
		return EventActionRejected
	}
	switch role {
	case types.RoleOrigin:
		return EventOriginRecorded
	case types.RoleTransform:
		return EventTransformRecorded
	case types.RoleVerify:
		return EventVerified
	default:
		return EventActionRejected
	}
}

// IsTerminal 是否为终端核验事件
func (e EventType) IsTerminal() bool { return e == EventVerified }
