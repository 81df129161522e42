package correlator

import (
	"sync"
	"time"

	"lossguard/internal/models"
)

// buffered 窗口内等待配对的事件；receivedAt 用于惰性淘汰。
type buffered struct {
	ev         models.Event
	receivedAt time.Time
}

// tillState 单个 till 的关联状态，由自身 mu 保护；不同 till 之间互不加锁。
type tillState struct {
	mu       sync.Mutex
	id       string
	pos      []buffered
	camera   []buffered
	seen     map[string]time.Time // event_id -> 接收时间
	open     map[models.AlertType]*models.Alert
	lastSeen time.Time
	evicted  bool
}

func newTillState(id string) *tillState {
	return &tillState{
		id:   id,
		seen: make(map[string]time.Time),
		open: make(map[models.AlertType]*models.Alert),
	}
}

// evictLocked 丢弃接收时间早于 cutoff 的缓冲事件，返回丢弃数；去重集合保留到 seenCutoff。
func (t *tillState) evictLocked(cutoff, seenCutoff time.Time) int {
	n := 0
	t.pos, n = dropBefore(t.pos, cutoff, n)
	t.camera, n = dropBefore(t.camera, cutoff, n)
	for id, at := range t.seen {
		if at.Before(seenCutoff) {
			delete(t.seen, id)
		}
	}
	return n
}

func dropBefore(buf []buffered, cutoff time.Time, n int) ([]buffered, int) {
	keep := buf[:0]
	for _, b := range buf {
		if b.receivedAt.Before(cutoff) {
			n++
			continue
		}
		keep = append(keep, b)
	}
	return keep, n
}

// closest 返回 buf 中时间戳与 ts 最接近且相差不超过 window 的下标；无则 -1。不修改 buf。
func closest(buf []buffered, ts time.Time, window time.Duration) int {
	best := -1
	var bestGap time.Duration
	for i := range buf {
		gap := buf[i].ev.Timestamp.Sub(ts)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func removeAt(buf []buffered, i int) []buffered {
	return append(buf[:i], buf[i+1:]...)
}

// idleLocked till 无缓冲、无 OPEN 告警且最近接收早于 cutoff。
func (t *tillState) idleLocked(cutoff time.Time) bool {
	return len(t.pos) == 0 && len(t.camera) == 0 && len(t.open) == 0 && t.lastSeen.Before(cutoff)
}
