// Package service 组装 correlator、orchestrator 与审计日志，对外提供入站、确认与查询操作；HTTP 与消息接入均经由此处。
package service

import (
	"context"
	"fmt"
	"time"

	"lossguard/internal/audit"
	"lossguard/internal/correlator"
	"lossguard/internal/logger"
	"lossguard/internal/models"
	"lossguard/internal/orchestrator"
)

// AuditLog 服务依赖的审计查询能力。
type AuditLog interface {
	audit.Reader
	VerifyDetailed(ctx context.Context) (audit.VerifyResult, error)
}

// EventResult 一条事件的处理结果：产生或升级的告警，以及随之提交的 Action。
type EventResult struct {
	Alert     *models.Alert        `json:"alert,omitempty"`
	Created   bool                 `json:"created,omitempty"`
	Escalated bool                 `json:"escalated,omitempty"`
	Action    *orchestrator.Result `json:"action,omitempty"`
}

// Service 无状态门面，状态归属各组件。
type Service struct {
	corr  *correlator.Correlator
	orch  *orchestrator.Orchestrator
	audit AuditLog
	log   logger.Logger
}

// New 创建服务。
func New(corr *correlator.Correlator, orch *orchestrator.Orchestrator, log AuditLog, l logger.Logger) *Service {
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{corr: corr, orch: orch, audit: log, log: l}
}

// PostPosEvent 接收 POS 事件；type 为空时补全，类型不符视为畸形。
func (s *Service) PostPosEvent(ctx context.Context, ev models.Event) (EventResult, error) {
	return s.postTyped(ctx, models.EventPOS, ev)
}

// PostCameraEvent 接收摄像头事件。
func (s *Service) PostCameraEvent(ctx context.Context, ev models.Event) (EventResult, error) {
	return s.postTyped(ctx, models.EventCamera, ev)
}

func (s *Service) postTyped(ctx context.Context, kind models.EventType, ev models.Event) (EventResult, error) {
	if ev.Type == "" {
		ev.Type = kind
	}
	if ev.Type != kind {
		return EventResult{}, fmt.Errorf("%w: type %q posted as %s", models.ErrMalformedEvent, ev.Type, kind)
	}
	return s.PostEvent(ctx, ev)
}

// PostEvent 关联一条已定类型的事件；新告警、严重程度升级或告警尚无 Action 时提交 POS_UNDERSCAN Action。
func (s *Service) PostEvent(ctx context.Context, ev models.Event) (EventResult, error) {
	res, err := s.corr.IngestDetailed(ctx, ev)
	if err != nil {
		return EventResult{}, err
	}
	out := EventResult{Alert: res.Alert, Created: res.Created, Escalated: res.Escalated}
	if res.Alert == nil {
		return out, nil
	}
	if !(res.Created || res.Escalated) && s.hasAction(res.Alert) {
		return out, nil
	}
	r, err := s.submitUnderscan(ctx, res.Alert)
	if err != nil {
		return out, err
	}
	out.Action = &r
	return out, nil
}

// hasAction 告警已有任一修订号的 Action 审计记录。
func (s *Service) hasAction(a *models.Alert) bool {
	_, ok := s.orch.ActionForAlert(a.ID)
	return ok
}

func (s *Service) submitUnderscan(ctx context.Context, a *models.Alert) (orchestrator.Result, error) {
	r, err := s.orch.Submit(ctx, UnderscanAction(a))
	if err != nil {
		s.log.Errorf(logger.WithTillID(ctx, a.TillID), "[service] underscan action for alert %s not submitted: %v", a.ID, err)
	}
	return r, err
}

// Reconcile 为尚无 Action 的 OPEN 告警补交 POS_UNDERSCAN Action，返回补交数量；
// 遇到错误即停止，剩余告警留待下一轮。
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for _, a := range s.corr.OpenAlerts("") {
		if s.hasAction(a) {
			continue
		}
		if _, err := s.submitUnderscan(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run 按 interval 周期执行 Reconcile，直到 ctx 取消。
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reconcile(ctx)
			if err != nil {
				s.log.Warnf(ctx, "[service] reconcile stopped after %d alerts: %v", n, err)
			} else if n > 0 {
				s.log.Infof(ctx, "[service] reconciled %d alerts without action", n)
			}
		}
	}
}

// Handle 适配 ingest.Handler。
func (s *Service) Handle(ctx context.Context, ev models.Event) error {
	_, err := s.PostEvent(ctx, ev)
	return err
}

// UnderscanAction 由告警构造 POS_UNDERSCAN Action；同一告警修订号对应同一 action_id。
func UnderscanAction(a *models.Alert) models.Action {
	return models.Action{
		ID:         fmt.Sprintf("underscan-%s-r%d", a.ID, a.Revision),
		Type:       models.ActionPOSUnderscan,
		Confidence: a.Details.Confidence,
		StoreID:    a.StoreID,
		TillID:     a.TillID,
		AlertID:    a.ID,
		Payload: map[string]any{
			"delta":   float64(a.Details.Delta),
			"scanned": float64(a.Details.Scanned),
			"bagged":  float64(a.Details.Bagged),
		},
		Context: map[string]any{
			"alert_severity": string(a.Severity),
			"camera_id":      a.CameraID,
		},
	}
}

// SubmitAction 提交外部 Action（补货、降价等）。
func (s *Service) SubmitAction(ctx context.Context, a models.Action) (orchestrator.Result, error) {
	return s.orch.Submit(ctx, a)
}

// Confirm 结算待确认 Action；by 为批准或拒绝人，写入审计。
func (s *Service) Confirm(ctx context.Context, confirmationID string, approve bool, by string) (models.ActionStatus, error) {
	return s.orch.Confirm(ctx, confirmationID, approve, by)
}

// GetConfirmation 查询确认状态。
func (s *Service) GetConfirmation(ctx context.Context, confirmationID string) (*models.PendingConfirmation, error) {
	return s.orch.Get(ctx, confirmationID)
}

// PendingConfirmations 当前待确认列表。
func (s *Service) PendingConfirmations() []*models.PendingConfirmation {
	return s.orch.Pending()
}

// ResolveAlert 关闭 OPEN 告警。
func (s *Service) ResolveAlert(ctx context.Context, alertID, by string) (*models.Alert, error) {
	return s.corr.Resolve(ctx, alertID, by)
}

// GetOpenAlerts tillID 为空返回全部 OPEN 告警。
func (s *Service) GetOpenAlerts(tillID string) []*models.Alert {
	return s.corr.OpenAlerts(tillID)
}

// AlertStats 关联统计。
func (s *Service) AlertStats() correlator.Stats {
	return s.corr.Stats()
}

// GetAuditSince 返回 seq >= from 的审计记录。
func (s *Service) GetAuditSince(ctx context.Context, from uint64) ([]models.AuditRecord, error) {
	return s.audit.Since(ctx, from)
}

// VerifyAuditChain 整链校验。
func (s *Service) VerifyAuditChain(ctx context.Context) (audit.VerifyResult, error) {
	return s.audit.VerifyDetailed(ctx)
}
