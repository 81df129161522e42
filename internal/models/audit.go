package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// AuditEvent 审计记录的事件类型（有限枚举，不是自由文本）。
type AuditEvent string

const (
	AuditAlertRaised           AuditEvent = "alert_raised"
	AuditAlertUpdated          AuditEvent = "alert_updated"
	AuditAlertResolved         AuditEvent = "alert_resolved"
	AuditDecisionMade          AuditEvent = "decision_made"
	AuditExecutionResult       AuditEvent = "execution_result"
	AuditConfirmationRequested AuditEvent = "confirmation_requested"
	AuditConfirmationConfirmed AuditEvent = "confirmation_confirmed"
	AuditConfirmationRejected  AuditEvent = "confirmation_rejected"
	AuditConfirmationExpired   AuditEvent = "confirmation_expired"
	AuditSegmentCompacted      AuditEvent = "segment_compacted"
)

// Known 是否为已定义的事件类型。
func (e AuditEvent) Known() bool {
	switch e {
	case AuditAlertRaised, AuditAlertUpdated, AuditAlertResolved,
		AuditDecisionMade, AuditExecutionResult,
		AuditConfirmationRequested, AuditConfirmationConfirmed,
		AuditConfirmationRejected, AuditConfirmationExpired,
		AuditSegmentCompacted:
		return true
	}
	return false
}

// GenesisHash 链首记录的 PrevHash。
const GenesisHash = ""

// AuditRecord 追加写、哈希链接的审计记录；写入后不再修改或删除。
type AuditRecord struct {
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Event    AuditEvent      `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// ComputeHash 按 seq、ts、event、payload、prev_hash 顺序计算 SHA-256，字段间以 NUL 分隔。
func (r *AuditRecord) ComputeHash() string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(r.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(r.TS.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(r.Event))
	h.Write([]byte{0})
	h.Write(r.Payload)
	h.Write([]byte{0})
	h.Write([]byte(r.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// AlertPayload alert_raised / alert_updated / alert_resolved 的负载。
type AlertPayload struct {
	Alert Alert `json:"alert"`
}

// DecisionPayload decision_made 的负载；Status 为 BLOCKED 或 DISPATCHING。
type DecisionPayload struct {
	ActionID string       `json:"action_id"`
	Action   Action       `json:"action"`
	Decision Decision     `json:"decision"`
	Status   ActionStatus `json:"status"`
}

// ExecutionPayload execution_result 的负载。
type ExecutionPayload struct {
	ActionID       string       `json:"action_id"`
	ActionType     ActionType   `json:"action_type"`
	ConfirmationID string       `json:"confirmation_id,omitempty"`
	Status         ActionStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
}

// ConfirmationPayload confirmation_* 的负载；requested 时携带 Action 与 Decision 以便重放。
type ConfirmationPayload struct {
	ConfirmationID string             `json:"confirmation_id"`
	ActionID       string             `json:"action_id"`
	Action         *Action            `json:"action,omitempty"`
	Decision       *Decision          `json:"decision,omitempty"`
	Status         ConfirmationStatus `json:"status"`
	ExpiresAt      time.Time          `json:"expires_at"`
	ConfirmerIDs   []string           `json:"confirmer_ids,omitempty"`
	By             string             `json:"by,omitempty"`
}

// CompactionPayload segment_compacted 的负载：被移出的区间及其末条哈希。
type CompactionPayload struct {
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
	LastHash    string `json:"last_hash"`
	Segment     string `json:"segment"`
	MerkleRoot  string `json:"merkle_root,omitempty"`
	RecordCount int    `json:"record_count"`
}
