// Package anchor 将审计记录哈希按批次写入 Merkle 存证账本，并提供验真查询。
package anchor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
	"lossguard/pkg/chain"
)

// Source 可订阅的审计日志（audit.Trail）。
type Source interface {
	Subscribe(fn func(models.AuditRecord)) func()
}

// Bridge 订阅审计追加，异步按批次或定时提交 Ledger.AppendBatch。
// 不阻塞审计写入；提交失败的叶节点保留并入下一批。
type Bridge struct {
	ledger    chain.Ledger
	log       logger.Logger
	batchSize int
	interval  time.Duration
	ch        chan chain.Leaf
	done      chan struct{}
	wg        sync.WaitGroup
	unsub     func()

	dropped  atomic.Int64
	anchored atomic.Int64
}

// NewBridge 创建桥接；Attach 订阅审计，Start 启动后台提交，关闭时 Stop。
func NewBridge(ledger chain.Ledger, cfg config.AnchorConfig, log logger.Logger) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Bridge{
		ledger:    ledger,
		log:       log,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		ch:        make(chan chain.Leaf, cfg.BatchSize*10),
		done:      make(chan struct{}),
	}
}

// Attach 订阅 src 的追加事件。
func (b *Bridge) Attach(src Source) {
	b.unsub = src.Subscribe(b.Observe)
}

// Observe 投递一条记录；通道满则丢弃并计数。
func (b *Bridge) Observe(rec models.AuditRecord) {
	select {
	case b.ch <- chain.Leaf{Seq: rec.Seq, Hash: rec.Hash}:
	default:
		b.dropped.Inc()
	}
}

// Start 启动后台 goroutine。
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.flushLoop()
}

// Stop 取消订阅，提交剩余叶节点并等待退出。
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	close(b.done)
	b.wg.Wait()
}

// Stats 已存证与丢弃的记录数。
func (b *Bridge) Stats() (anchored, dropped int64) {
	return b.anchored.Load(), b.dropped.Load()
}

func (b *Bridge) flushLoop() {
	defer b.wg.Done()
	var buf []chain.Leaf
	tick := time.NewTicker(b.interval)
	defer tick.Stop()
	flush := func() {
		if len(buf) == 0 {
			return
		}
		// 订阅回调不保证顺序
		sort.Slice(buf, func(i, j int) bool { return buf[i].Seq < buf[j].Seq })
		batchID := fmt.Sprintf("audit-%d-%d", buf[0].Seq, buf[len(buf)-1].Seq)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		root, err := b.ledger.AppendBatch(ctx, batchID, buf)
		cancel()
		if err != nil {
			b.log.Warnf(context.Background(), "[anchor] batch failed (batch_id=%s leaves=%d): %v", batchID, len(buf), err)
			return
		}
		b.anchored.Add(int64(len(buf)))
		b.log.Debugf(context.Background(), "[anchor] batch %s anchored root=%s", batchID, root)
		buf = nil
	}
	for {
		select {
		case <-b.done:
			for {
				select {
				case l := <-b.ch:
					buf = append(buf, l)
				default:
					flush()
					return
				}
			}
		case l := <-b.ch:
			buf = append(buf, l)
			if len(buf) >= b.batchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
