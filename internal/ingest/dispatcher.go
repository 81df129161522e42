package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/atomic"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// ErrClosed Dispatcher 已关闭。
var ErrClosed = errors.New("ingest: dispatcher closed")

// Handler 处理单条事件（通常为 service 的 PostEvent）。
type Handler func(ctx context.Context, ev models.Event) error

// Sink 接入源的投递目标。
type Sink interface {
	Submit(ctx context.Context, ev models.Event) error
}

type item struct {
	ctx context.Context
	ev  models.Event
}

// Dispatcher 按 till_id 的 FNV 哈希分片：同一收银台事件串行有序，不同收银台并行。
type Dispatcher struct {
	handler Handler
	log     logger.Logger
	shards  []chan item
	closing *atomic.Bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	processed *atomic.Int64
	failed    *atomic.Int64
}

// NewDispatcher 创建分片派发器；Shards / BufferSize 非正时分别默认 8 / 256。
func NewDispatcher(cfg config.IngestConfig, h Handler, log logger.Logger) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{
		handler:   h,
		log:       log,
		shards:    make([]chan item, cfg.Shards),
		closing:   atomic.NewBool(false),
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
	for i := range d.shards {
		d.shards[i] = make(chan item, cfg.BufferSize)
	}
	return d
}

// Start 启动每个分片的 worker。
func (d *Dispatcher) Start() {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.work(i, ch)
	}
	d.log.Infof(context.Background(), "[ingest] dispatcher started: shards=%d", len(d.shards))
}

func (d *Dispatcher) work(id int, ch <-chan item) {
	defer d.wg.Done()
	// 关闭后继续消费缓冲区直至排空
	for it := range ch {
		ctx := logger.WithTillID(logger.WithWorkerID(it.ctx, id), it.ev.TillID)
		if err := d.handler(ctx, it.ev); err != nil {
			d.failed.Inc()
			d.log.Warnf(ctx, "[ingest] event %s rejected: %v", it.ev.EventID, err)
			continue
		}
		d.processed.Inc()
	}
}

func (d *Dispatcher) shard(tillID string) chan item {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tillID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Submit 将事件放入所属分片；缓冲满时阻塞直到有空位或 ctx 取消。
func (d *Dispatcher) Submit(ctx context.Context, ev models.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing.Load() {
		return ErrClosed
	}
	select {
	case d.shard(ev.TillID) <- item{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止接收并等待已排队事件处理完毕；重复调用无副作用。
func (d *Dispatcher) Shutdown() {
	if !d.closing.CAS(false, true) {
		return
	}
	d.mu.Lock()
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.log.Infof(context.Background(), "[ingest] dispatcher drained: processed=%d failed=%d", d.processed.Load(), d.failed.Load())
}

// Stats 已处理与处理失败的事件数。
func (d *Dispatcher) Stats() (processed, failed int64) {
	return d.processed.Load(), d.failed.Load()
}
