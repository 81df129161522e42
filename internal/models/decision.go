package models

// Decision 策略评估结果；确定性产出，不单独持久化，只随审计记录落盘。
type Decision struct {
	Allow          bool     `json:"allow"`
	RequireConfirm bool     `json:"require_confirm"`
	Reason         string   `json:"reason"`
	Severity       Severity `json:"severity"`
	PolicyRuleID   string   `json:"policy_rule_id"` // 命中的规则 ID，审计可追溯。
}

// Blocked 返回是否拒绝。
func (d Decision) Blocked() bool { return !d.Allow }

// NeedsConfirm 返回是否需要人工确认。
func (d Decision) NeedsConfirm() bool { return d.Allow && d.RequireConfirm }
