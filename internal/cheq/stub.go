package cheq

import (
	"context"
	"sort"
	"sync"

	"lossguard/internal/models"
)

// MemoryStore 内存实现，重启即丢失；测试与未配置持久化路径时使用。
type MemoryStore struct {
	mu       sync.RWMutex
	pending  map[string]models.PendingConfirmation
	archived map[string]models.PendingConfirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:  make(map[string]models.PendingConfirmation),
		archived: make(map[string]models.PendingConfirmation),
	}
}

func (s *MemoryStore) Put(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.archived[pc.ID]; ok {
		s.archived[pc.ID] = clone(pc)
	} else {
		s.pending[pc.ID] = clone(pc)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pc, ok := s.pending[id]; ok {
		return &pc, nil
	}
	if pc, ok := s.archived[id]; ok {
		return &pc, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*models.PendingConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PendingConfirmation, 0, len(s.pending))
	for _, pc := range s.pending {
		pc := pc
		out = append(out, &pc)
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[id]
	if !ok {
		if _, done := s.archived[id]; done {
			return nil
		}
		return ErrNotFound
	}
	delete(s.pending, id)
	s.archived[id] = pc
	return nil
}

func sortByCreated(pcs []*models.PendingConfirmation) {
	sort.Slice(pcs, func(i, j int) bool {
		if pcs[i].CreatedAt.Equal(pcs[j].CreatedAt) {
			return pcs[i].ID < pcs[j].ID
		}
		return pcs[i].CreatedAt.Before(pcs[j].CreatedAt)
	})
}

// clone 深拷贝切片与时间指针；Action 的 map 只读共享。
func clone(pc *models.PendingConfirmation) models.PendingConfirmation {
	cp := *pc
	if pc.ConfirmerIDs != nil {
		cp.ConfirmerIDs = append([]string(nil), pc.ConfirmerIDs...)
	}
	if pc.SettledAt != nil {
		at := *pc.SettledAt
		cp.SettledAt = &at
	}
	return cp
}
