package cheq

import (
	"context"

	"lossguard/internal/models"
)

// Store 确认持久化。Get 不存在时返回 nil, nil；Archive 将终态对象移出待处理集合但仍可 Get。
type Store interface {
	Put(ctx context.Context, pc *models.PendingConfirmation) error
	Get(ctx context.Context, id string) (*models.PendingConfirmation, error)
	ListPending(ctx context.Context) ([]*models.PendingConfirmation, error)
	Archive(ctx context.Context, id string) error
}
