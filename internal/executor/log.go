package executor

import (
	"context"

	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// LogExecutor 只记录日志，未配置下游时使用。
type LogExecutor struct {
	Log logger.Logger
}

func (e LogExecutor) Execute(ctx context.Context, action models.Action) error {
	if e.Log != nil {
		e.Log.Infof(logger.WithActionID(ctx, action.ID), "[executor] execute %s store=%s till=%s payload=%v",
			action.Type, action.StoreID, action.TillID, action.Payload)
	}
	return nil
}
