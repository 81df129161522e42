package correlator

import (
	"context"
	"sort"
	"sync"

	"lossguard/internal/models"
)

// AlertStore 告警持久化；重启后由 Restore 读回 OPEN 告警。
// Get 不存在时返回 nil, nil。
type AlertStore interface {
	Put(ctx context.Context, a *models.Alert) error
	Get(ctx context.Context, id string) (*models.Alert, error)
	ListOpen(ctx context.Context) ([]*models.Alert, error)
	Close() error
}

// MemoryStore 进程内告警存储，测试与默认配置使用。
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]models.Alert
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]models.Alert)}
}

func (s *MemoryStore) Put(ctx context.Context, a *models.Alert) error {
	if a == nil {
		return nil
	}
	s.mu.Lock()
	s.alerts[a.ID] = *a
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.RLock()
	a, ok := s.alerts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) ListOpen(ctx context.Context) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Alert
	for _, a := range s.alerts {
		if a.IsOpen() {
			a := a
			out = append(out, &a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortAlerts(as []*models.Alert) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].TS.Equal(as[j].TS) {
			return as[i].ID < as[j].ID
		}
		return as[i].TS.Before(as[j].TS)
	})
}
