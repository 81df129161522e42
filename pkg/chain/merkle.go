package chain

import (
	"crypto/sha256"
	"encoding/hex"
)

// BuildMerkleTree 根据叶节点哈希列表构建 Merkle 树，返回根哈希与每个叶节点的验真路径（兄弟节点哈希，由叶到根）。
// 奇数层的末节点与自身配对，路径中记录其自身哈希。
func BuildMerkleTree(leaves []Leaf) (rootHash string, proofs []MerkleProofPath) {
	if len(leaves) == 0 {
		return "", nil
	}
	layer := make([]string, len(leaves))
	for i := range leaves {
		layer[i] = leaves[i].Hash
	}
	allLayers := [][]string{layer}
	for len(layer) > 1 {
		next := make([]string, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layer = next
		allLayers = append(allLayers, layer)
	}
	rootHash = layer[0]

	proofs = make([]MerkleProofPath, len(leaves))
	for leafIdx := range leaves {
		var path []string
		idx := leafIdx
		for L := 0; L < len(allLayers)-1; L++ {
			row := allLayers[L]
			siblingIdx := idx ^ 1
			if siblingIdx < len(row) {
				path = append(path, row[siblingIdx])
			} else {
				path = append(path, row[idx])
			}
			idx = idx / 2
		}
		proofs[leafIdx] = MerkleProofPath{LeafHash: leaves[leafIdx].Hash, Index: leafIdx, Siblings: path}
	}
	return rootHash, proofs
}

// VerifyProof 由叶哈希与兄弟路径重算根，并与 proof.MerkleRoot 比较。
func VerifyProof(p *MerkleProof) bool {
	if p == nil || p.LeafHash == "" {
		return false
	}
	cur := p.LeafHash
	idx := p.Index
	for _, sib := range p.Siblings {
		if idx%2 == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
		idx /= 2
	}
	return cur == p.MerkleRoot
}

func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleProofPath 表示单个叶节点的验真路径（叶哈希 + 位置 + 兄弟序列）。
type MerkleProofPath struct {
	LeafHash string
	Index    int
	Siblings []string
}
