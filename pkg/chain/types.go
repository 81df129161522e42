// Package chain 提供审计存证的 Ledger 抽象、Merkle 树与本地存储后端。
package chain

import "time"

// Leaf 存证批次中的一个叶节点：审计记录 seq 与其链哈希。
type Leaf struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// BatchRecord 存证批次元数据。
type BatchRecord struct {
	BatchID    string    `json:"batch_id"`
	MerkleRoot string    `json:"merkle_root"` // 十六进制
	Timestamp  time.Time `json:"timestamp"`
	FirstSeq   uint64    `json:"first_seq"`
	LastSeq    uint64    `json:"last_seq"`
	Count      int       `json:"count"`
}

// MerkleProof 供验真使用：给定 seq 返回所在批次的根与路径，客户端可据此重算比对。
type MerkleProof struct {
	Seq        uint64   `json:"seq"`
	BatchID    string   `json:"batch_id"`
	MerkleRoot string   `json:"merkle_root"`
	LeafHash   string   `json:"leaf_hash"` // 叶节点哈希（即审计记录 hash）
	Index      int      `json:"index"`     // 叶节点在批次中的位置，决定每层左右顺序
	Siblings   []string `json:"siblings"`  // Merkle 路径上的兄弟节点（由叶到根顺序）
}
