package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"lossguard/internal/models"
	"lossguard/pkg/chain"
)

// WithLedger 压缩时将段的 Merkle 根写入 ledger 存证。
func WithLedger(l chain.Ledger) Option {
	return func(t *Trail) { t.ledger = l }
}

// Compact 将 seq <= upto 的已校验记录整段移入冷存储，段末哈希成为新链根，
// 并追加一条 segment_compacted 记录。校验失败时不移动任何记录。
func (t *Trail) Compact(ctx context.Context, upto uint64) (*models.CompactionPayload, error) {
	t.mu.Lock()
	root, err := t.store.Root(ctx)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if upto < root.NextSeq || upto >= t.nextSeq {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: upto=%d hot=[%d,%d)", ErrNothingToCompact, upto, root.NextSeq, t.nextSeq)
	}
	hot, err := t.store.Load(ctx)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if res := VerifyRecords(root, hot); !res.OK {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: seq=%d %s", ErrChainBroken, res.BadSeq, res.Reason)
	}
	n := int(upto-root.NextSeq) + 1
	if n > len(hot) {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: upto=%d beyond loaded records", ErrNothingToCompact, upto)
	}
	segment := hot[:n]
	leaves := make([]chain.Leaf, n)
	for i := range segment {
		leaves[i] = chain.Leaf{Seq: segment[i].Seq, Hash: segment[i].Hash}
	}
	merkleRoot, _ := chain.BuildMerkleTree(leaves)
	last := segment[n-1]
	name, err := t.store.Compact(ctx, segment, Root{NextSeq: last.Seq + 1, Hash: last.Hash})
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	payload := &models.CompactionPayload{
		FirstSeq:    segment[0].Seq,
		LastSeq:     last.Seq,
		LastHash:    last.Hash,
		Segment:     name,
		MerkleRoot:  merkleRoot,
		RecordCount: n,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	rec, err := t.appendLocked(ctx, models.AuditSegmentCompacted, data)
	t.mu.Unlock()
	if err != nil {
		// 段已移出且链根已更新，链仍连续；仅缺少这条说明记录。
		t.log.Errorf(ctx, "[audit] compaction record append failed: %v", err)
		return payload, err
	}
	t.publish(*rec)
	t.log.Infof(ctx, "[audit] compacted seq [%d,%d] into %s root=%s", payload.FirstSeq, payload.LastSeq, name, merkleRoot)

	if t.ledger != nil {
		if _, err := t.ledger.AppendBatch(ctx, "segment-"+name, leaves); err != nil {
			t.log.Warnf(ctx, "[audit] segment anchor failed (segment=%s): %v", name, err)
		}
	}
	return payload, nil
}
