// Package types 托管链各模块共享的纯数据类型，不依赖任何 internal 包
package types

import "fmt"

// Role 托管链上的角色，同时也是阶段
type Role string

const (
	RoleOrigin    Role = "origin"    // 阶段一：源头生产
	RoleTransform Role = "transform" // 阶段二：加工
	RoleVerify    Role = "verify"    // 阶段三：终端核验
)

// StageOrder 固定的阶段顺序
var StageOrder = []Role{RoleOrigin, RoleTransform, RoleVerify}

// ParseRole 解析角色字符串
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if r.Index() < 0 {
		return "", fmt.Errorf("未知角色: %q", s)
	}
	return r, nil
}

// Index 返回角色在阶段顺序中的位置，未知角色返回 -1
func (r Role) Index() int {
	for i, s := range StageOrder {
		if s == r {
			return i
		}
	}
	return -1
}

// Valid 是否为已知角色
func (r Role) Valid() bool { return r.Index() >= 0 }

// IsTerminal 是否为终端（核验）角色
func (r Role) IsTerminal() bool { return r == StageOrder[len(StageOrder)-1] }

// Prerequisites 返回该角色之前必须完成的阶段
func (r Role) Prerequisites() []Role {
	idx := r.Index()
	if idx <= 0 {
		return nil
	}
	return StageOrder[:idx]
}

// Next 返回下一阶段；终端角色返回空
func (r Role) Next() Role {
	idx := r.Index()
	if idx < 0 || idx+1 >= len(StageOrder) {
		return ""
	}
	return StageOrder[idx+1]
}

// StageLabel 对外展示的阶段名，例如 "Stage1 (origin)"
func (r Role) StageLabel() string {
	return fmt.Sprintf("Stage%d (%s)", r.Index()+1, r)
}

// Actor 提交动作的参与方
type Actor struct {
	Address string `json:"address"`
	Role    Role   `json:"role"`
}
