package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"custodychain/pkg/types"
)

// Result 校验结论
type Result string

const (
	ResultApproved Result = "approved"
	ResultRejected Result = "rejected"
)

// Record 每次校验尝试产生一条，只追加
type Record struct {
	Action        string     `json:"action"`
	EntityID      string     `json:"entityId"`
	EventType     EventType  `json:"eventType"`
	Result        Result     `json:"result"`
	Actor         string     `json:"actor"`
	Role          types.Role `json:"role"`
	CorrelationID string     `json:"correlationId"`
	SequenceStep  int        `json:"sequenceStep"`
	Violations    []string   `json:"violations,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Marshal 序列化为账本消息
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("序列化审计记录失败: %w", err)
	}
	return data, nil
}

// Decode 解析账本消息
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("解析审计记录失败: %w", err)
	}
	return &r, nil
}
