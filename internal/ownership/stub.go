package ownership

import (
	"context"

	"lossguard/internal/models"
)

// StubResolver 占位实现：恒返回空列表，未配置门店映射时装配。
type StubResolver struct{}

func (StubResolver) Resolve(ctx context.Context, storeID string, actionType models.ActionType) ([]string, error) {
	return nil, nil
}
