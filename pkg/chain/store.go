package chain

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NewLocalStoreWithPath 创建支持目录持久化的 LocalStore。basePath 为空时仅内存存储。
func NewLocalStoreWithPath(basePath string) *LocalStore {
	s := &LocalStore{
		batches:  make(map[string]*BatchRecord),
		proofs:   make(map[uint64]*MerkleProof),
		basePath: strings.TrimSuffix(basePath, string(os.PathSeparator)),
	}
	if s.basePath != "" {
		_ = os.MkdirAll(filepath.Join(s.basePath, "batches"), 0755)
		_ = os.MkdirAll(filepath.Join(s.basePath, "proofs"), 0755)
	}
	return s
}

// sanitize 将批次 ID 转为安全文件名（替换 : / \ 为 _）。
func sanitize(id string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(id)
}

func (s *LocalStore) batchPath(batchID string) string {
	return filepath.Join(s.basePath, "batches", sanitize(batchID)+".json")
}

func (s *LocalStore) proofPath(seq uint64) string {
	return filepath.Join(s.basePath, "proofs", strconv.FormatUint(seq, 10)+".json")
}
