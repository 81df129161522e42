// Package ownership 提供门店与确认人映射解析，以及按 action 类型/严重程度匹配确认规则。
package ownership

import (
	"context"

	"lossguard/internal/models"
)

// Resolver 根据门店与 action 类型解析确认人标识列表，供确认通知使用。
type Resolver interface {
	// Resolve 返回该 storeID（及可选 actionType）对应的确认人 ID 列表（如店长工号）。
	Resolve(ctx context.Context, storeID string, actionType models.ActionType) (confirmerIDs []string, err error)
}
