package ownership

import (
	"context"
	"strings"
	"sync"

	"lossguard/internal/models"
)

// StaticResolver 从静态映射解析确认人：store_id 或 "*" 对应 confirmer ID 列表；无匹配时返回 defaultIDs。
// store_id 比较不区分大小写（配置经 viper 加载后 key 为小写）。
type StaticResolver struct {
	mu         sync.RWMutex
	m          map[string][]string // lower(store_id) -> confirmer_ids
	defaultIDs []string
}

// NewStaticResolver 根据 store_id -> confirmer_ids 映射创建；defaultIDs 为无匹配时的默认确认人，可为 nil。
func NewStaticResolver(staticMap map[string][]string, defaultIDs []string) *StaticResolver {
	m := make(map[string][]string, len(staticMap))
	for k, v := range staticMap {
		ids := make([]string, len(v))
		copy(ids, v)
		m[strings.ToLower(k)] = ids
	}
	var def []string
	if len(defaultIDs) > 0 {
		def = make([]string, len(defaultIDs))
		copy(def, defaultIDs)
	}
	return &StaticResolver{m: m, defaultIDs: def}
}

// Resolve 先查 store_id，再查 "*"；无则返回 defaultIDs（可能为空）。
func (s *StaticResolver) Resolve(ctx context.Context, storeID string, actionType models.ActionType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ids, ok := s.m[strings.ToLower(storeID)]; ok && len(ids) > 0 {
		return append([]string(nil), ids...), nil
	}
	if ids, ok := s.m["*"]; ok && len(ids) > 0 {
		return append([]string(nil), ids...), nil
	}
	if len(s.defaultIDs) > 0 {
		return append([]string(nil), s.defaultIDs...), nil
	}
	return nil, nil
}
