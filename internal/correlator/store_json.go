package correlator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lossguard/internal/models"
)

// JSONStore 将每条告警存为单独 JSON 文件：<dir>/<alert_id>.json。
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore 使用 dir 作为存储目录；不存在则创建。
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(id string) string { return filepath.Join(s.dir, id+".json") }

// Put 写入告警；同 id 覆盖。先写临时文件再 rename，避免读到半条。
func (s *JSONStore) Put(ctx context.Context, a *models.Alert) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(a.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(a.ID))
}

// Get 读取告警；不存在返回 nil, nil。
func (s *JSONStore) Get(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.path(id))
}

func (s *JSONStore) readLocked(path string) (*models.Alert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var a models.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListOpen 扫描目录返回全部 OPEN 告警，按 ts 升序。
func (s *JSONStore) ListOpen(ctx context.Context) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*models.Alert
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.readLocked(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if a != nil && a.IsOpen() {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *JSONStore) Close() error { return nil }
