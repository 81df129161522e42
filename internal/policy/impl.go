package policy

import (
	"sync"

	"lossguard/internal/models"
)

// EngineImpl 内置策略引擎：规则表固定于代码，参数从 YAML 文件加载；按类型顺序匹配，第一条命中即返回。
type EngineImpl struct {
	mu     sync.RWMutex
	params Params
	path   string
}

// NewEngineImpl 根据参数文件路径创建引擎；path 为空时使用默认参数。
func NewEngineImpl(rulesPath string) (*EngineImpl, error) {
	p, err := LoadParams(rulesPath)
	if err != nil {
		return nil, err
	}
	return &EngineImpl{params: p, path: rulesPath}, nil
}

// NewEngine 以给定参数创建引擎（不关联文件，Reload 恢复默认参数）。
func NewEngine(p Params) *EngineImpl {
	return &EngineImpl{params: p}
}

// Reload 重新加载参数文件（可用于 SIGHUP 热加载）；失败时保留旧参数。
func (e *EngineImpl) Reload() error {
	p, err := LoadParams(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

// Params 返回当前参数快照。
func (e *EngineImpl) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// Decide 按规则顺序匹配，第一条命中即返回对应 Decision；未识别类型则拒绝。
func (e *EngineImpl) Decide(action models.Action) models.Decision {
	p := e.Params()
	return Evaluate(&p, action)
}

// Evaluate 以给定参数求值，供重放与离线校验使用。
func Evaluate(p *Params, action models.Action) models.Decision {
	rules, ok := ruleTable[action.Type]
	if !ok {
		return defaultDeny
	}
	for i := range rules {
		r := &rules[i]
		if r.Match(&action, p) {
			d := r.Decision
			d.PolicyRuleID = r.ID
			return d
		}
	}
	return defaultDeny
}

// Replay 依次重新评估 actions，返回与输入同序的 Decision。
func Replay(e Engine, actions []models.Action) []models.Decision {
	out := make([]models.Decision, len(actions))
	for i, a := range actions {
		out[i] = e.Decide(a)
	}
	return out
}

// 编译期保证 EngineImpl 实现 Engine。
var _ Engine = (*EngineImpl)(nil)
