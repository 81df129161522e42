package models

// ActionType 候选干预类型。
type ActionType string

const (
	ActionPOSUnderscan  ActionType = "POS_UNDERSCAN"
	ActionReplenishTask ActionType = "REPLENISH_TASK"
	ActionMarkdown      ActionType = "MARKDOWN"
)

// Action 候选干预：由 correlator 或其他生产者构造，交给策略引擎评估一次。
// Payload/Context 为开放结构，数值可能是 int、float64 或 json.Number。
type Action struct {
	ID         string         `json:"action_id"`
	Type       ActionType     `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
	Risk       string         `json:"risk,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	StoreID    string         `json:"store_id,omitempty"`
	TillID     string         `json:"till_id,omitempty"`
	AlertID    string         `json:"alert_id,omitempty"`
}

// ActionStatus 编排器中单个 Action 的状态。
type ActionStatus string

const (
	StatusReceived        ActionStatus = "RECEIVED"
	StatusBlocked         ActionStatus = "BLOCKED"
	StatusExecuted        ActionStatus = "EXECUTED"
	StatusExecutionFailed ActionStatus = "EXECUTION_FAILED"
	StatusAwaitingConfirm ActionStatus = "AWAITING_CONFIRM"
	StatusRejected        ActionStatus = "REJECTED"
	StatusExpired         ActionStatus = "EXPIRED"
	// StatusDispatching 仅出现在执行前的预写审计记录中。
	StatusDispatching ActionStatus = "DISPATCHING"
)

// IsTerminal 是否已终态。
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case StatusBlocked, StatusExecuted, StatusExecutionFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}
