package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lossguard/internal/logger"
	"lossguard/internal/models"
	"lossguard/pkg/chain"
)

// Appender 各组件写审计的唯一入口。
type Appender interface {
	Append(ctx context.Context, event models.AuditEvent, payload any) (*models.AuditRecord, error)
}

// Reader 审计查询：增量导出与整链校验。
type Reader interface {
	Since(ctx context.Context, seq uint64) ([]models.AuditRecord, error)
	Verify(ctx context.Context) (bool, error)
}

// Trail 哈希链审计日志。所有追加在 mu 下串行：临界区内只有计算哈希与一次后端写入。
type Trail struct {
	store  Store
	log    logger.Logger
	now    func() time.Time
	ledger chain.Ledger

	mu       sync.Mutex
	nextSeq  uint64
	lastHash string

	subMu   sync.RWMutex
	subs    map[int]func(models.AuditRecord)
	nextSub int
}

// Option Trail 可选项。
type Option func(*Trail)

// WithClock 注入时钟（测试用）。
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithLogger 注入日志。
func WithLogger(l logger.Logger) Option {
	return func(t *Trail) { t.log = l }
}

// Open 基于 store 打开审计日志，并从链根与末条记录恢复链头。
func Open(ctx context.Context, store Store, opts ...Option) (*Trail, error) {
	t := &Trail{
		store: store,
		log:   logger.NewNop(),
		now:   time.Now,
		subs:  make(map[int]func(models.AuditRecord)),
	}
	for _, o := range opts {
		o(t)
	}
	root, err := store.Root(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	t.nextSeq, t.lastHash = root.NextSeq, root.Hash
	if n := len(recs); n > 0 {
		t.nextSeq = recs[n-1].Seq + 1
		t.lastHash = recs[n-1].Hash
	}
	t.log.Infof(ctx, "[audit] trail opened: next_seq=%d records=%d", t.nextSeq, len(recs))
	return t, nil
}

// Append 追加一条审计记录；返回错误时链头不前进，调用方须视所附转换为未发生。
func (t *Trail) Append(ctx context.Context, event models.AuditEvent, payload any) (*models.AuditRecord, error) {
	if !event.Known() {
		return nil, fmt.Errorf("audit: unknown event %q", event)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal %s payload: %w", event, err)
	}

	t.mu.Lock()
	rec, err := t.appendLocked(ctx, event, data)
	t.mu.Unlock()
	if err != nil {
		t.log.Errorf(ctx, "[audit] append %s failed: %v", event, err)
		return nil, err
	}
	t.publish(*rec)
	return rec, nil
}

func (t *Trail) appendLocked(ctx context.Context, event models.AuditEvent, data []byte) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		Seq:      t.nextSeq,
		TS:       t.now().UTC(),
		Event:    event,
		Payload:  data,
		PrevHash: t.lastHash,
	}
	rec.Hash = rec.ComputeHash()
	if err := t.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	t.nextSeq++
	t.lastHash = rec.Hash
	return rec, nil
}

// Head 返回下一条记录的 seq 与当前末条哈希。
func (t *Trail) Head() (uint64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq, t.lastHash
}

// Since 返回 seq >= from 的记录（含已压缩段，若后端可读回），按 seq 升序。
func (t *Trail) Since(ctx context.Context, from uint64) ([]models.AuditRecord, error) {
	root, err := t.store.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.AuditRecord
	if from < root.NextSeq {
		if sr, ok := t.store.(SegmentReader); ok {
			cold, err := sr.ReadSegments(ctx)
			if err != nil {
				return nil, err
			}
			for _, r := range cold {
				if r.Seq >= from {
					out = append(out, r)
				}
			}
		}
	}
	hot, err := t.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range hot {
		if r.Seq >= from {
			out = append(out, r)
		}
	}
	return out, nil
}

// Subscribe 注册追加后回调；回调在锁外同步执行，须自行保证不阻塞。返回取消函数。
func (t *Trail) Subscribe(fn func(models.AuditRecord)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Trail) publish(rec models.AuditRecord) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, fn := range t.subs {
		fn(rec)
	}
}

// Close 关闭后端。
func (t *Trail) Close() error {
	return t.store.Close()
}

// 编译期保证 Trail 实现 Appender 与 Reader。
var (
	_ Appender = (*Trail)(nil)
	_ Reader   = (*Trail)(nil)
)
