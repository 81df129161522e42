// Package executor 提供 Action 执行能力：按类型分派到具体执行器，实际副作用由外部系统完成。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lossguard/internal/models"
)

// ErrNoExecutor 该类型未注册执行器。
var ErrNoExecutor = errors.New("executor: no executor for action type")

// Executor 执行一条已放行的 Action；返回错误即视为执行失败，不重试。
type Executor interface {
	Execute(ctx context.Context, action models.Action) error
}

// FuncExecutor 函数适配器。
type FuncExecutor func(ctx context.Context, action models.Action) error

func (f FuncExecutor) Execute(ctx context.Context, action models.Action) error {
	return f(ctx, action)
}

// Registry 按 Action 类型分派；未注册类型走 fallback，fallback 为空时返回 ErrNoExecutor。
type Registry struct {
	mu       sync.RWMutex
	byType   map[models.ActionType]Executor
	fallback Executor
}

// NewRegistry 创建注册表；fallback 可为 nil。
func NewRegistry(fallback Executor) *Registry {
	return &Registry{byType: make(map[models.ActionType]Executor), fallback: fallback}
}

// Register 注册或替换某类型的执行器。
func (r *Registry) Register(t models.ActionType, e Executor) {
	r.mu.Lock()
	r.byType[t] = e
	r.mu.Unlock()
}

// Execute 实现 Executor。
func (r *Registry) Execute(ctx context.Context, action models.Action) error {
	r.mu.RLock()
	e, ok := r.byType[action.Type]
	if !ok {
		e = r.fallback
	}
	r.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNoExecutor, action.Type)
	}
	return e.Execute(ctx, action)
}

var (
	_ Executor = FuncExecutor(nil)
	_ Executor = (*Registry)(nil)
)
