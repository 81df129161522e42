package audit

import (
	"context"
	"fmt"
	"sync"

	"lossguard/internal/models"
)

// MemoryStore 内存实现：测试与未配置审计路径时使用；压缩段保留在内存中。
type MemoryStore struct {
	mu       sync.Mutex
	records  []models.AuditRecord
	segments [][]models.AuditRecord
	root     Root
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make([]models.AuditRecord, 0)}
}

func (s *MemoryStore) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(*rec))
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditRecord, len(s.records))
	for i := range s.records {
		out[i] = cloneRecord(s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) Root(ctx context.Context) (Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.root
	r.Segments = append([]string(nil), s.root.Segments...)
	return r, nil
}

func (s *MemoryStore) Compact(ctx context.Context, segment []models.AuditRecord, newRoot Root) (string, error) {
	if len(segment) == 0 {
		return "", ErrNothingToCompact
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := segment[len(segment)-1].Seq
	keep := make([]models.AuditRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Seq > last {
			keep = append(keep, r)
		}
	}
	s.records = keep
	seg := make([]models.AuditRecord, len(segment))
	copy(seg, segment)
	s.segments = append(s.segments, seg)
	name := segmentName(segment)
	newRoot.Segments = append(append([]string(nil), s.root.Segments...), name)
	s.root = newRoot
	return name, nil
}

// ReadSegments 实现 SegmentReader。
func (s *MemoryStore) ReadSegments(ctx context.Context) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditRecord
	for _, seg := range s.segments {
		for _, r := range seg {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(r models.AuditRecord) models.AuditRecord {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

func segmentName(segment []models.AuditRecord) string {
	return fmt.Sprintf("%020d-%020d.jsonl", segment[0].Seq, segment[len(segment)-1].Seq)
}
