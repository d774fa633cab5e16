package tasks

// Task Types
const (
	TypeReplayFailure = "deadletter:replay"
)

// ReplayPayload 死信记录异步重放任务载荷
type ReplayPayload struct {
	RecordID string `json:"record_id"`
	Priority string `json:"priority,omitempty"`
}
