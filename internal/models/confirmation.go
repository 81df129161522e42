package models

import "time"

// ConfirmationStatus PendingConfirmation 的生命周期状态。
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationRejected  ConfirmationStatus = "REJECTED"
	ConfirmationExpired   ConfirmationStatus = "EXPIRED"
)

// PendingConfirmation 待人工确认的 Action，归编排器独占；终态后归档。
// Outcome 为结算后的 Action 状态（EXECUTED / EXECUTION_FAILED / REJECTED / EXPIRED）。
type PendingConfirmation struct {
	ID           string             `json:"confirmation_id"`
	Action       Action             `json:"action"`
	Decision     Decision           `json:"decision"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Status       ConfirmationStatus `json:"status"`
	Outcome      ActionStatus       `json:"outcome,omitempty"`
	ConfirmerIDs []string           `json:"confirmer_ids,omitempty"`
	SettledAt    *time.Time         `json:"settled_at,omitempty"`
	SettledBy    string             `json:"settled_by,omitempty"` // 批准或拒绝人；过期为空
}

// IsTerminal 返回是否已终态（不再接受 Confirm）。
func (c *PendingConfirmation) IsTerminal() bool {
	return c.Status != ConfirmationPending
}

// Overdue 在 now 时刻是否已超过 ExpiresAt 但仍为 PENDING。
func (c *PendingConfirmation) Overdue(now time.Time) bool {
	return c.Status == ConfirmationPending && now.After(c.ExpiresAt)
}
