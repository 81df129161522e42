// Package notify 提供确认请求通知接口与实现；实际投递（语音/推送/短信）由外部服务完成。
package notify

import (
	"fmt"
	"strings"
	"time"

	"lossguard/internal/models"
)

// Request 一条待确认请求；由外部投递服务送达确认人，最终经 Confirm 接口回答。
type Request struct {
	ConfirmationID string            `json:"confirmation_id"`
	Message        string            `json:"message"`
	ConfirmerIDs   []string          `json:"confirmer_ids,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	ActionID       string            `json:"action_id"`
	ActionType     models.ActionType `json:"action_type"`
	StoreID        string            `json:"store_id,omitempty"`
	TillID         string            `json:"till_id,omitempty"`
	Severity       models.Severity   `json:"severity"`
	ApproveURL     string            `json:"approve_url,omitempty"`
	RejectURL      string            `json:"reject_url,omitempty"`
}

// BuildRequest 根据待确认对象组装请求；baseURL 非空时附带批准/拒绝链接。
func BuildRequest(pc *models.PendingConfirmation, baseURL string) Request {
	req := Request{
		ConfirmationID: pc.ID,
		ConfirmerIDs:   append([]string(nil), pc.ConfirmerIDs...),
		ExpiresAt:      pc.ExpiresAt,
		ActionID:       pc.Action.ID,
		ActionType:     pc.Action.Type,
		StoreID:        pc.Action.StoreID,
		TillID:         pc.Action.TillID,
		Severity:       pc.Decision.Severity,
	}
	if baseURL != "" {
		base := strings.TrimSuffix(baseURL, "/") + "/v1/confirmations/" + pc.ID
		req.ApproveURL = base + "?approve=true"
		req.RejectURL = base + "?approve=false"
	}
	req.Message = message(pc, req)
	return req
}

func message(pc *models.PendingConfirmation, req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "待确认: %s", pc.Action.Type)
	if pc.Action.StoreID != "" || pc.Action.TillID != "" {
		fmt.Fprintf(&b, " 门店 %s 收银台 %s", pc.Action.StoreID, pc.Action.TillID)
	}
	fmt.Fprintf(&b, "\n原因: %s（%s）", pc.Decision.Reason, pc.Decision.Severity)
	switch pc.Action.Type {
	case models.ActionPOSUnderscan:
		fmt.Fprintf(&b, "\n漏扫件数: %v 置信度: %.2f", pc.Action.Payload["delta"], pc.Action.Confidence)
	case models.ActionMarkdown:
		fmt.Fprintf(&b, "\n折扣: %v%% 品类: %v", pc.Action.Payload["discountPct"], pc.Action.Payload["category"])
	}
	fmt.Fprintf(&b, "\nID: %s 截止: %s", pc.ID, pc.ExpiresAt.UTC().Format(time.RFC3339))
	if req.ApproveURL != "" {
		fmt.Fprintf(&b, "\n批准: %s\n拒绝: %s", req.ApproveURL, req.RejectURL)
	}
	return b.String()
}
