package chain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("chain: not found")
	ErrStorageClosed = errors.New("chain: storage closed")
)

// Ledger 存证批次的写入与验真查询。
// 具体存储由 Backend 实现（内存、目录文件，或后续外部账本适配）。
type Ledger interface {
	// AppendBatch 追加一批审计记录哈希，构建 Merkle 树并持久化，返回根哈希。
	AppendBatch(ctx context.Context, batchID string, leaves []Leaf) (merkleRoot string, err error)
	// GetMerkleProof 根据 seq 返回 Merkle 路径与批次根。
	GetMerkleProof(ctx context.Context, seq uint64) (*MerkleProof, error)
	// GetBatch 返回批次元数据。
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	// Healthy 存储是否可用。
	Healthy(ctx context.Context) error
}

// Backend 为可插拔存储后端接口，Ledger 实现依赖此接口持久化。
type Backend interface {
	AppendBatch(ctx context.Context, batch *BatchRecord, leaves []Leaf) (merkleRoot string, err error)
	GetMerkleProof(ctx context.Context, seq uint64) (*MerkleProof, error)
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	Close() error
}

// NewLedger 基于给定 Backend 构造 Ledger。
func NewLedger(be Backend) Ledger {
	return &ledgerImpl{backend: be}
}

type ledgerImpl struct {
	backend Backend
}

func (l *ledgerImpl) AppendBatch(ctx context.Context, batchID string, leaves []Leaf) (string, error) {
	batch := &BatchRecord{BatchID: batchID}
	return l.backend.AppendBatch(ctx, batch, leaves)
}

func (l *ledgerImpl) GetMerkleProof(ctx context.Context, seq uint64) (*MerkleProof, error) {
	return l.backend.GetMerkleProof(ctx, seq)
}

func (l *ledgerImpl) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	return l.backend.GetBatch(ctx, batchID)
}

func (l *ledgerImpl) Healthy(ctx context.Context) error {
	// 简单检查：可扩展为 Ping 存储。
	return nil
}
