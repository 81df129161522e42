package chain

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// LocalStore 为可插拔存储后端：内存 + 可选目录持久化。
// basePath 非空时批次与验真数据写入目录（batches/、proofs/），重启后可读回。
type LocalStore struct {
	mu       sync.RWMutex
	batches  map[string]*BatchRecord
	proofs   map[uint64]*MerkleProof
	basePath string
	closed   bool
}

// NewLocalStore 创建仅内存的 LocalStore。
func NewLocalStore() *LocalStore {
	return NewLocalStoreWithPath("")
}

// AppendBatch 实现 Backend.AppendBatch：构建 Merkle 树，持久化批次与每条记录的验真数据。
func (s *LocalStore) AppendBatch(ctx context.Context, batch *BatchRecord, leaves []Leaf) (string, error) {
	_ = ctx
	if batch == nil {
		return "", errors.New("chain: nil BatchRecord")
	}
	if len(leaves) == 0 {
		return "", errors.New("chain: empty leaves")
	}
	rootHash, paths := BuildMerkleTree(leaves)
	batch.MerkleRoot = rootHash
	batch.Count = len(leaves)
	batch.FirstSeq, batch.LastSeq = leaves[0].Seq, leaves[0].Seq
	for _, l := range leaves {
		if l.Seq < batch.FirstSeq {
			batch.FirstSeq = l.Seq
		}
		if l.Seq > batch.LastSeq {
			batch.LastSeq = l.Seq
		}
	}
	if batch.Timestamp.IsZero() {
		batch.Timestamp = time.Now().UTC()
	}
	proofs := make([]*MerkleProof, len(leaves))
	for i := range leaves {
		proofs[i] = &MerkleProof{
			Seq:        leaves[i].Seq,
			BatchID:    batch.BatchID,
			MerkleRoot: rootHash,
			LeafHash:   paths[i].LeafHash,
			Index:      paths[i].Index,
			Siblings:   paths[i].Siblings,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStorageClosed
	}
	if s.basePath != "" {
		b, _ := json.MarshalIndent(batch, "", "  ")
		if err := os.WriteFile(s.batchPath(batch.BatchID), b, 0644); err != nil {
			return "", err
		}
		for _, p := range proofs {
			b, _ := json.MarshalIndent(p, "", "  ")
			if err := os.WriteFile(s.proofPath(p.Seq), b, 0644); err != nil {
				return "", err
			}
		}
	}
	s.batches[batch.BatchID] = batch
	for _, p := range proofs {
		s.proofs[p.Seq] = p
	}
	return rootHash, nil
}

// GetMerkleProof 实现 Backend.GetMerkleProof。先查内存；basePath 非空且未命中则从文件读。
func (s *LocalStore) GetMerkleProof(ctx context.Context, seq uint64) (*MerkleProof, error) {
	_ = ctx
	s.mu.RLock()
	proof, ok := s.proofs[seq]
	s.mu.RUnlock()
	if ok {
		return proof, nil
	}
	if s.basePath == "" {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(s.proofPath(seq))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p MerkleProof
	if json.Unmarshal(b, &p) != nil {
		return nil, errors.New("chain: invalid proof file")
	}
	return &p, nil
}

// GetBatch 实现 Backend.GetBatch。
func (s *LocalStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	_ = ctx
	s.mu.RLock()
	b, ok := s.batches[batchID]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}
	if s.basePath == "" {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.batchPath(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec BatchRecord
	if json.Unmarshal(data, &rec) != nil {
		return nil, errors.New("chain: invalid batch file")
	}
	return &rec, nil
}

// Close 实现 Backend.Close。
func (s *LocalStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
