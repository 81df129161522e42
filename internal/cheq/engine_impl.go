package cheq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// Queue 待确认队列：内存中保存 PENDING 对象，store 负责重启恢复与归档。
// 同一确认的结算在各自的锁下串行，先到者生效。
type Queue struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	log     logger.Logger

	mu      sync.Mutex
	pending map[string]*models.PendingConfirmation
	settled map[string]*models.PendingConfirmation // 已结算但尚未归档落盘
	locks   map[string]*sync.Mutex
}

// QueueOption Queue 可选项。
type QueueOption func(*Queue)

// WithClock 注入时钟（测试用）。
func WithClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

// WithLogger 注入日志。
func WithLogger(l logger.Logger) QueueOption { return func(q *Queue) { q.log = l } }

// NewQueue 创建队列；timeout <=0 时默认 120s，store 为 nil 时用内存。
func NewQueue(store Store, timeout time.Duration, opts ...QueueOption) *Queue {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		store:   store,
		timeout: timeout,
		now:     time.Now,
		log:     logger.NewNop(),
		pending: make(map[string]*models.PendingConfirmation),
		settled: make(map[string]*models.PendingConfirmation),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// New 生成 PENDING 对象（ID、创建与过期时间），不入队；调用方写审计成功后再 Add。
func (q *Queue) New(in CreateInput) *models.PendingConfirmation {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = q.timeout
	}
	now := q.now().UTC()
	return &models.PendingConfirmation{
		ID:           uuid.New().String(),
		Action:       in.Action,
		Decision:     in.Decision,
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
		Status:       models.ConfirmationPending,
		ConfirmerIDs: in.ConfirmerIDs,
	}
}

// Add 入队并持久化；持久化失败时仍保留在内存中，返回错误供调用方记录。
func (q *Queue) Add(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil || pc.ID == "" {
		return fmt.Errorf("cheq: invalid confirmation")
	}
	cp := clone(pc)
	q.mu.Lock()
	q.pending[pc.ID] = &cp
	q.mu.Unlock()
	if err := q.store.Put(ctx, pc); err != nil {
		return fmt.Errorf("cheq: persist %s: %w", pc.ID, err)
	}
	return nil
}

// Get 返回当前状态的副本；不存在返回 ErrNotFound。不做过期判断，由调用方按 Overdue 处理。
func (q *Queue) Get(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	q.mu.Lock()
	pc, ok := q.pending[id]
	if !ok {
		pc, ok = q.settled[id]
	}
	var cp models.PendingConfirmation
	if ok {
		cp = clone(pc)
	}
	q.mu.Unlock()
	if ok {
		return &cp, nil
	}
	stored, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	return stored, nil
}

func (q *Queue) lockFor(id string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[id]
	if !ok {
		l = &sync.Mutex{}
		q.locks[id] = l
	}
	return l
}

// UpdateFunc 在该确认的锁内执行；返回 nil 表示不变更，返回 error 时不提交。
type UpdateFunc func(cur *models.PendingConfirmation) (*models.PendingConfirmation, error)

// Update 串行执行 fn 并提交其结果；终态对象提交后归档并移出内存。
// fn 同时返回新对象与错误时仍提交新对象（副作用已发生，状态须落地）。
func (q *Queue) Update(ctx context.Context, id string, fn UpdateFunc) (*models.PendingConfirmation, error) {
	l := q.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, fnErr := fn(cur)
	if next == nil {
		return cur, fnErr
	}
	if err := q.commit(ctx, next); err != nil {
		q.log.Errorf(logger.WithConfirmationID(ctx, id), "[cheq] commit failed: %v", err)
	}
	return next, fnErr
}

// commit 终态对象先在内存中标记为已结算，Put 与归档都成功后才交由 store 提供读取并释放锁；
// 落盘失败时内存中的终态保留，后续结算仍看到终态。
func (q *Queue) commit(ctx context.Context, pc *models.PendingConfirmation) error {
	cp := clone(pc)
	terminal := pc.IsTerminal()
	q.mu.Lock()
	if terminal {
		delete(q.pending, pc.ID)
		q.settled[pc.ID] = &cp
	} else {
		q.pending[pc.ID] = &cp
	}
	q.mu.Unlock()
	if err := q.store.Put(ctx, pc); err != nil {
		return err
	}
	if !terminal {
		return nil
	}
	if err := q.store.Archive(ctx, pc.ID); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.settled, pc.ID)
	delete(q.locks, pc.ID)
	q.mu.Unlock()
	return nil
}

// Overdue 返回 now 时刻已过期仍为 PENDING 的确认 ID，按过期时间先后。
func (q *Queue) Overdue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []*models.PendingConfirmation
	for _, pc := range q.pending {
		if pc.Overdue(now) {
			ids = append(ids, pc)
		}
	}
	sortByExpiry(ids)
	out := make([]string, len(ids))
	for i, pc := range ids {
		out[i] = pc.ID
	}
	return out
}

// Pending 返回内存中全部 PENDING 确认的副本。
func (q *Queue) Pending() []*models.PendingConfirmation {
	q.mu.Lock()
	out := make([]*models.PendingConfirmation, 0, len(q.pending))
	for _, pc := range q.pending {
		cp := clone(pc)
		out = append(out, &cp)
	}
	q.mu.Unlock()
	sortByCreated(out)
	return out
}

// Load 从 store 读回 PENDING 对象，返回数量；store 中残留的终态对象补做归档。
func (q *Queue) Load(ctx context.Context) (int, error) {
	pcs, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pc := range pcs {
		if pc.IsTerminal() {
			if err := q.store.Archive(ctx, pc.ID); err != nil {
				q.log.Warnf(ctx, "[cheq] archive stale %s: %v", pc.ID, err)
			}
			continue
		}
		q.mu.Lock()
		q.pending[pc.ID] = pc
		q.mu.Unlock()
		n++
	}
	return n, nil
}

func sortByExpiry(pcs []*models.PendingConfirmation) {
	sort.Slice(pcs, func(i, j int) bool { return pcs[i].ExpiresAt.Before(pcs[j].ExpiresAt) })
}
