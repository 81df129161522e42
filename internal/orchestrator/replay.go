package orchestrator

import (
	"encoding/json"
	"fmt"

	"lossguard/internal/models"
	"lossguard/internal/policy"
)

// applyRecord 将一条审计记录折叠进索引，返回涉及的 action_id；与 action 无关的事件返回空串。
func applyRecord(idx map[string]Result, rec models.AuditRecord) (string, error) {
	switch rec.Event {
	case models.AuditDecisionMade:
		var p models.DecisionPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: %v", errBadPayload, err)
		}
		idx[p.ActionID] = Result{ActionID: p.ActionID, AlertID: p.Action.AlertID, Status: p.Status, Decision: p.Decision}
		return p.ActionID, nil
	case models.AuditExecutionResult:
		var p models.ExecutionPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: %v", errBadPayload, err)
		}
		r := idx[p.ActionID]
		r.ActionID, r.Status, r.Error = p.ActionID, p.Status, p.Error
		if p.ConfirmationID != "" {
			r.ConfirmationID = p.ConfirmationID
		}
		idx[p.ActionID] = r
		return p.ActionID, nil
	case models.AuditConfirmationRequested, models.AuditConfirmationConfirmed,
		models.AuditConfirmationRejected, models.AuditConfirmationExpired:
		var p models.ConfirmationPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return "", fmt.Errorf("%w: %v", errBadPayload, err)
		}
		r := idx[p.ActionID]
		r.ActionID, r.ConfirmationID = p.ActionID, p.ConfirmationID
		if p.Decision != nil {
			r.Decision = *p.Decision
		}
		if p.Action != nil && p.Action.AlertID != "" {
			r.AlertID = p.Action.AlertID
		}
		switch rec.Event {
		case models.AuditConfirmationRequested:
			r.Status = models.StatusAwaitingConfirm
		case models.AuditConfirmationConfirmed:
			r.Status = models.StatusDispatching
		case models.AuditConfirmationRejected:
			r.Status = models.StatusRejected
		case models.AuditConfirmationExpired:
			r.Status = models.StatusExpired
		}
		idx[p.ActionID] = r
		return p.ActionID, nil
	}
	return "", nil
}

// ReplayEntry 一次重放比对：审计中记录的 Decision 与重新评估的结果。
type ReplayEntry struct {
	Seq      uint64          `json:"seq"`
	Action   models.Action   `json:"action"`
	Recorded models.Decision `json:"recorded"`
	Replayed models.Decision `json:"replayed"`
}

// Match 重放结果是否与记录一致。
func (e ReplayEntry) Match() bool { return e.Recorded == e.Replayed }

// ReplayDecisions 从审计记录中按顺序取出被评估过的 Action（decision_made 与 confirmation_requested），
// 用 engine 重新评估并与记录比对。
func ReplayDecisions(engine policy.Engine, recs []models.AuditRecord) ([]ReplayEntry, error) {
	var out []ReplayEntry
	for _, rec := range recs {
		var a models.Action
		var d models.Decision
		switch rec.Event {
		case models.AuditDecisionMade:
			var p models.DecisionPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("seq %d: %w: %v", rec.Seq, errBadPayload, err)
			}
			a, d = p.Action, p.Decision
		case models.AuditConfirmationRequested:
			var p models.ConfirmationPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("seq %d: %w: %v", rec.Seq, errBadPayload, err)
			}
			if p.Action == nil || p.Decision == nil {
				continue
			}
			a, d = *p.Action, *p.Decision
		default:
			continue
		}
		out = append(out, ReplayEntry{Seq: rec.Seq, Action: a, Recorded: d, Replayed: engine.Decide(a)})
	}
	return out, nil
}
