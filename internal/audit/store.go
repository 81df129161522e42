// Package audit 提供追加写、哈希链接的审计日志（Trail）及其存储后端。
package audit

import (
	"context"
	"errors"

	"lossguard/internal/models"
)

var (
	// ErrUnavailable 表示存储不可写；调用方须视所附状态转换为未发生。
	ErrUnavailable = errors.New("audit: storage unavailable")
	// ErrCorrupt 表示日志中出现无法解析的记录（非尾部截断）。
	ErrCorrupt = errors.New("audit: corrupt log")
	// ErrNothingToCompact 表示请求的区间已被压缩或不存在。
	ErrNothingToCompact = errors.New("audit: nothing to compact")
	// ErrChainBroken 表示压缩前校验失败，拒绝移动未验证的区间。
	ErrChainBroken = errors.New("audit: chain verification failed")
)

// Root 热日志的链根：首条记录的 Seq 应为 NextSeq，PrevHash 应为 Hash。
// 未压缩时为 {0, ""}；每次压缩后指向被移出区间的末条记录。
type Root struct {
	NextSeq  uint64   `json:"next_seq"`
	Hash     string   `json:"hash"`
	Segments []string `json:"segments,omitempty"`
}

// Store 审计存储接口：仅追加写；按 seq 顺序读取热日志。
type Store interface {
	// Append 持久化一条已计算哈希的记录；失败时不得留下部分写入。
	Append(ctx context.Context, rec *models.AuditRecord) error
	// Load 按 seq 升序返回热日志中的全部记录（seq >= Root().NextSeq）。
	Load(ctx context.Context) ([]models.AuditRecord, error)
	// Root 返回当前链根。
	Root(ctx context.Context) (Root, error)
	// Compact 将 segment 移入冷存储，并以 newRoot 作为热日志新链根；返回段名。
	Compact(ctx context.Context, segment []models.AuditRecord, newRoot Root) (string, error)
	Close() error
}

// SegmentReader 可选：能读回已压缩段的后端，用于从 seq=0 全量校验与导出。
type SegmentReader interface {
	ReadSegments(ctx context.Context) ([]models.AuditRecord, error)
}
