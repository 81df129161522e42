package audit

import (
	"context"
	"fmt"

	"lossguard/internal/models"
)

// VerifyResult 校验结果；OK 为 false 时 BadSeq/Reason 指出第一处不一致。
type VerifyResult struct {
	OK      bool   `json:"ok"`
	Checked int    `json:"checked"`
	FromSeq uint64 `json:"from_seq"`
	BadSeq  uint64 `json:"bad_seq,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyRecords 自 root 起顺序重算哈希，遇到第一处不一致即返回。
func VerifyRecords(root Root, recs []models.AuditRecord) VerifyResult {
	res := VerifyResult{OK: true, FromSeq: root.NextSeq}
	want, prev := root.NextSeq, root.Hash
	for i := range recs {
		r := &recs[i]
		switch {
		case r.Seq != want:
			return fail(res, r.Seq, fmt.Sprintf("seq gap: want %d got %d", want, r.Seq))
		case r.PrevHash != prev:
			return fail(res, r.Seq, "prev_hash does not match previous record")
		case r.ComputeHash() != r.Hash:
			return fail(res, r.Seq, "hash mismatch")
		}
		res.Checked++
		want++
		prev = r.Hash
	}
	return res
}

func fail(res VerifyResult, seq uint64, reason string) VerifyResult {
	res.OK = false
	res.BadSeq = seq
	res.Reason = reason
	return res
}

// VerifyDetailed 校验整条链：后端能读回压缩段时从 seq=0 开始，否则从链根开始。
func (t *Trail) VerifyDetailed(ctx context.Context) (VerifyResult, error) {
	root, err := t.store.Root(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	hot, err := t.store.Load(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	start := root
	var recs []models.AuditRecord
	if sr, ok := t.store.(SegmentReader); ok && root.NextSeq > 0 {
		cold, err := sr.ReadSegments(ctx)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(cold) > 0 && cold[0].Seq == 0 {
			start = Root{}
			recs = append(recs, cold...)
		}
	}
	recs = append(recs, hot...)
	return VerifyRecords(start, recs), nil
}

// Verify 返回链是否完整；不一致时为 false，I/O 失败时返回错误。
func (t *Trail) Verify(ctx context.Context) (bool, error) {
	res, err := t.VerifyDetailed(ctx)
	if err != nil {
		return false, err
	}
	if !res.OK {
		t.log.Warnf(ctx, "[audit] chain verification failed at seq=%d: %s", res.BadSeq, res.Reason)
	}
	return res.OK, nil
}
