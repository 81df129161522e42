package notify

import (
	"context"

	"lossguard/internal/logger"
)

// Notifier 投递待确认请求；失败不影响确认本身，请求仍可经 Confirm 接口结算。
type Notifier interface {
	RequestConfirmation(ctx context.Context, req Request) error
}

// LogNotifier 仅写日志，未配置投递通道时使用。
type LogNotifier struct {
	Log logger.Logger
}

func (n LogNotifier) RequestConfirmation(ctx context.Context, req Request) error {
	if n.Log == nil {
		return nil
	}
	n.Log.Infof(logger.WithConfirmationID(ctx, req.ConfirmationID), "[notify] confirmation requested: type=%s store=%s till=%s confirmers=%v expires=%s",
		req.ActionType, req.StoreID, req.TillID, req.ConfirmerIDs, req.ExpiresAt.Format("15:04:05"))
	return nil
}
