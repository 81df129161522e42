package ownership

import (
	"strings"
	"time"

	"lossguard/internal/config"
	"lossguard/internal/models"
)

// ApprovalRuleMatch 单条规则匹配结果：确认超时与确认人 ID 列表。
type ApprovalRuleMatch struct {
	Timeout      time.Duration
	ConfirmerIDs []string
}

// RuleMatcher 按 action 类型与 Decision 严重程度匹配确认规则，返回超时与确认人；无匹配时返回默认值。
type RuleMatcher struct {
	rules []ruleEntry
	def   ApprovalRuleMatch
}

type ruleEntry struct {
	actionType string
	severity   string
	timeout    time.Duration
	userIDs    []string
}

// NewRuleMatcher 从配置规则与默认值构建匹配器；规则中空字段为通配。
func NewRuleMatcher(rules []config.ApprovalRule, defaultMatch ApprovalRuleMatch) *RuleMatcher {
	entries := make([]ruleEntry, 0, len(rules))
	for _, r := range rules {
		entries = append(entries, ruleEntry{
			actionType: strings.ToUpper(strings.TrimSpace(r.ActionType)),
			severity:   strings.ToLower(strings.TrimSpace(r.Severity)),
			timeout:    r.Timeout,
			userIDs:    append([]string(nil), r.ConfirmerIDs...),
		})
	}
	defaultMatch.ConfirmerIDs = append([]string(nil), defaultMatch.ConfirmerIDs...)
	return &RuleMatcher{rules: entries, def: defaultMatch}
}

// Match 按顺序匹配第一条规则；规则未给出超时或确认人时取默认值。
func (m *RuleMatcher) Match(actionType models.ActionType, severity models.Severity) ApprovalRuleMatch {
	for _, e := range m.rules {
		if e.actionType != "" && e.actionType != string(actionType) {
			continue
		}
		if e.severity != "" && e.severity != string(severity) {
			continue
		}
		out := ApprovalRuleMatch{
			Timeout:      e.timeout,
			ConfirmerIDs: append([]string(nil), e.userIDs...),
		}
		if out.Timeout <= 0 {
			out.Timeout = m.def.Timeout
		}
		if len(out.ConfirmerIDs) == 0 {
			out.ConfirmerIDs = append([]string(nil), m.def.ConfirmerIDs...)
		}
		return out
	}
	return ApprovalRuleMatch{Timeout: m.def.Timeout, ConfirmerIDs: append([]string(nil), m.def.ConfirmerIDs...)}
}
