package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lossguard/internal/models"
)

// JSONLOptions JSONLStore 可选项；nil 表示默认。
type JSONLOptions struct {
	// Fsync 每条记录写入后调用 fsync。
	Fsync bool
	// SegmentDir 压缩段目录；空则为 <path 所在目录>/segments。
	SegmentDir string
}

// JSONLStore 追加写 JSONL 文件，一行一条 AuditRecord；链根保存在 <path>.root.json。
type JSONLStore struct {
	path     string
	rootPath string
	segDir   string
	fsync    bool

	mu   sync.Mutex
	f    *os.File
	size int64
	root Root
}

// NewJSONLStore 创建或打开 path 对应的 JSONL 文件；目录不存在会创建。
// 尾部残缺行（写入中途崩溃）会被截断。
func NewJSONLStore(path string, opts *JSONLOptions) (*JSONLStore, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if opts == nil {
		opts = &JSONLOptions{}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	segDir := opts.SegmentDir
	if segDir == "" {
		segDir = filepath.Join(dir, "segments")
	}
	s := &JSONLStore{
		path:     path,
		rootPath: path + ".root.json",
		segDir:   segDir,
		fsync:    opts.Fsync,
	}
	if err := s.loadRoot(); err != nil {
		return nil, err
	}
	if err := s.repairTail(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.f = f
	s.size = st.Size()
	return s, nil
}

func (s *JSONLStore) loadRoot() error {
	data, err := os.ReadFile(s.rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.root); err != nil {
		return fmt.Errorf("%w: root: %v", ErrCorrupt, err)
	}
	return nil
}

// repairTail 截断最后一个换行之后的残缺内容。
func (s *JSONLStore) repairTail() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(s.path, int64(cut))
}

// Append 追加一行 JSON；写入失败时截断回写入前的长度，不留半行。
func (s *JSONLStore) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrUnavailable
	}
	n, err := s.f.Write(data)
	if err == nil && s.fsync {
		err = s.f.Sync()
	}
	if err != nil {
		if n > 0 {
			_ = s.f.Truncate(s.size)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.size += int64(n)
	return nil
}

// Load 读取整个热日志（线性扫描）；跳过已被压缩的 seq。
func (s *JSONLStore) Load(ctx context.Context) ([]models.AuditRecord, error) {
	s.mu.Lock()
	root := s.root
	s.mu.Unlock()
	recs, err := readJSONL(s.path)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Seq >= root.NextSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReadJSONLFile 读取任意审计 JSONL 文件（auditctl 离线校验用）。
func ReadJSONLFile(path string) ([]models.AuditRecord, error) {
	return readJSONL(path)
}

func readJSONL(path string) ([]models.AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []models.AuditRecord
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var r models.AuditRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, filepath.Base(path), i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *JSONLStore) Root(ctx context.Context) (Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.root
	r.Segments = append([]string(nil), s.root.Segments...)
	return r, nil
}

// Compact 写出段文件，先落链根再重写热日志；热日志重写前崩溃时，Load 按 NextSeq 过滤旧记录。
func (s *JSONLStore) Compact(ctx context.Context, segment []models.AuditRecord, newRoot Root) (string, error) {
	if len(segment) == 0 {
		return "", ErrNothingToCompact
	}
	if err := os.MkdirAll(s.segDir, 0755); err != nil {
		return "", err
	}
	name := segmentName(segment)
	if err := writeRecords(filepath.Join(s.segDir, name), segment); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newRoot.Segments = append(append([]string(nil), s.root.Segments...), name)
	if err := writeJSONAtomic(s.rootPath, newRoot); err != nil {
		return "", err
	}
	s.root = newRoot

	recs, err := readJSONL(s.path)
	if err != nil {
		return "", err
	}
	keep := make([]models.AuditRecord, 0, len(recs))
	for _, r := range recs {
		if r.Seq >= newRoot.NextSeq {
			keep = append(keep, r)
		}
	}
	tmp := s.path + ".tmp"
	if err := writeRecords(tmp, keep); err != nil {
		return "", err
	}
	if err := s.f.Close(); err != nil {
		return "", err
	}
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return "", err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return "", err
	}
	s.f = f
	s.size = st.Size()
	return name, nil
}

// ReadSegments 按压缩顺序读回所有段。
func (s *JSONLStore) ReadSegments(ctx context.Context) ([]models.AuditRecord, error) {
	s.mu.Lock()
	names := append([]string(nil), s.root.Segments...)
	s.mu.Unlock()
	var out []models.AuditRecord
	for _, n := range names {
		recs, err := readJSONL(filepath.Join(s.segDir, n))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Close 关闭底层文件。
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func writeRecords(path string, recs []models.AuditRecord) error {
	var buf bytes.Buffer
	for i := range recs {
		data, err := json.Marshal(&recs[i])
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return writeFileSync(path, buf.Bytes())
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
