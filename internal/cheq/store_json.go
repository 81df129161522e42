package cheq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lossguard/internal/models"
)

// JSONStore 将每个 PendingConfirmation 存为单独 JSON 文件：<dir>/<id>.json；终态归档到 <dir>/archive/<id>.json。
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore 使用 dir 作为存储目录；不存在则创建。
func NewJSONStore(dir string) (*JSONStore, error) {
	if dir == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0755); err != nil {
		return nil, err
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *JSONStore) archivePath(id string) string {
	return filepath.Join(s.dir, "archive", id+".json")
}

// Put 写入对象；同 id 覆盖。已归档的对象写回归档目录。
func (s *JSONStore) Put(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil {
		return nil
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(pc.ID)
	if _, err := os.Stat(s.archivePath(pc.ID)); err == nil {
		target = s.archivePath(pc.ID)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Get 读取对象；先查待处理再查归档，不存在返回 nil, nil。
func (s *JSONStore) Get(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, err := readFile(s.path(id))
	if err != nil || pc != nil {
		return pc, err
	}
	return readFile(s.archivePath(id))
}

// ListPending 返回待处理目录中的全部对象，按创建时间升序。
func (s *JSONStore) ListPending(ctx context.Context) ([]*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*models.PendingConfirmation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pc, err := readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if pc != nil {
			out = append(out, pc)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Archive 将对象移入 archive/；已归档视为成功。
func (s *JSONStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Rename(s.path(id), s.archivePath(id))
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(s.archivePath(id)); statErr == nil {
			return nil
		}
		return ErrNotFound
	}
	return err
}

func readFile(path string) (*models.PendingConfirmation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pc models.PendingConfirmation
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}
