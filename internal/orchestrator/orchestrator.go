// Package orchestrator 实现 Action 状态机：策略评估、立即执行、待确认队列与拒绝，每次转换先写审计。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lossguard/internal/audit"
	"lossguard/internal/cheq"
	"lossguard/internal/config"
	"lossguard/internal/executor"
	"lossguard/internal/logger"
	"lossguard/internal/models"
	"lossguard/internal/notify"
	"lossguard/internal/ownership"
	"lossguard/internal/policy"
)

// ErrNotFound 确认不存在。
var ErrNotFound = cheq.ErrNotFound

// Result Submit 的返回：状态、决策，待确认时附确认 ID。
type Result struct {
	ActionID       string              `json:"action_id"`
	Status         models.ActionStatus `json:"status"`
	Decision       models.Decision     `json:"decision"`
	ConfirmationID string              `json:"confirmation_id,omitempty"`
	AlertID        string              `json:"alert_id,omitempty"`
	Error          string              `json:"error,omitempty"`
	Duplicate      bool                `json:"duplicate,omitempty"`
}

// Orchestrator 持有待确认队列与 action_id 索引；索引可从审计日志重建，防止重复执行。
type Orchestrator struct {
	engine   policy.Engine
	trail    audit.Appender
	exec     executor.Executor
	notifier notify.Notifier
	resolver ownership.Resolver
	rules    *ownership.RuleMatcher
	queue    *cheq.Queue
	cfg      config.OrchestratorConfig
	baseURL  string
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	index   map[string]Result
	byAlert map[string]string // alert_id -> 最近一次已审计的 action_id
	actLock map[string]*actionLock

	notifying sync.WaitGroup
}

type actionLock struct {
	mu   sync.Mutex
	refs int
}

// Option Orchestrator 可选项。
type Option func(*Orchestrator)

func WithExecutor(e executor.Executor) Option   { return func(o *Orchestrator) { o.exec = e } }
func WithNotifier(n notify.Notifier) Option     { return func(o *Orchestrator) { o.notifier = n } }
func WithResolver(r ownership.Resolver) Option  { return func(o *Orchestrator) { o.resolver = r } }
func WithRules(m *ownership.RuleMatcher) Option { return func(o *Orchestrator) { o.rules = m } }
func WithQueue(q *cheq.Queue) Option            { return func(o *Orchestrator) { o.queue = q } }
func WithLogger(l logger.Logger) Option         { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option     { return func(o *Orchestrator) { o.now = now } }

// WithBaseURL 通知消息中批准/拒绝链接的前缀。
func WithBaseURL(u string) Option { return func(o *Orchestrator) { o.baseURL = u } }

// New 创建编排器；未注入的能力使用日志实现，队列默认内存、超时取 cfg.ConfirmTimeout。
func New(engine policy.Engine, trail audit.Appender, cfg config.OrchestratorConfig, opts ...Option) *Orchestrator {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 120 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		engine:   engine,
		trail:    trail,
		cfg:      cfg,
		resolver: ownership.StubResolver{},
		log:      logger.NewNop(),
		now:      time.Now,
		index:    make(map[string]Result),
		byAlert:  make(map[string]string),
		actLock:  make(map[string]*actionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exec == nil {
		o.exec = executor.LogExecutor{Log: o.log}
	}
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{Log: o.log}
	}
	if o.queue == nil {
		o.queue = cheq.NewQueue(nil, cfg.ConfirmTimeout, cheq.WithClock(o.now), cheq.WithLogger(o.log))
	}
	return o
}

// lockAction 同一 action_id 的 Submit 串行；不同 action 互不阻塞。
func (o *Orchestrator) lockAction(id string) func() {
	o.mu.Lock()
	l, ok := o.actLock[id]
	if !ok {
		l = &actionLock{}
		o.actLock[id] = l
	}
	l.refs++
	o.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(o.actLock, id)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) lookup(id string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.index[id]
	return r, ok
}

func (o *Orchestrator) remember(r Result) {
	o.mu.Lock()
	o.rememberLocked(r)
	o.mu.Unlock()
}

func (o *Orchestrator) rememberLocked(r Result) {
	o.index[r.ActionID] = r
	if r.AlertID != "" {
		o.byAlert[r.AlertID] = r.ActionID
	}
}

// ActionForAlert 返回为该告警提交且已审计的最近一次 Action；没有则 ok 为 false。
func (o *Orchestrator) ActionForAlert(alertID string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byAlert[alertID]
	if !ok {
		return Result{}, false
	}
	r, ok := o.index[id]
	return r, ok
}

// Submit 评估 Action 并推进状态机。返回错误时 Status 为 RECEIVED，表示转换未发生（审计不可用）。
func (o *Orchestrator) Submit(ctx context.Context, a models.Action) (Result, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	ctx = logger.WithActionID(ctx, a.ID)
	unlock := o.lockAction(a.ID)
	defer unlock()

	if prev, ok := o.lookup(a.ID); ok {
		o.log.Infof(ctx, "[orchestrator] duplicate action ignored: status=%s", prev.Status)
		prev.Duplicate = true
		return prev, nil
	}

	d := o.engine.Decide(a)
	res := Result{ActionID: a.ID, AlertID: a.AlertID, Status: models.StatusReceived, Decision: d}
	switch {
	case d.Blocked():
		if _, err := o.trail.Append(ctx, models.AuditDecisionMade, models.DecisionPayload{
			ActionID: a.ID, Action: a, Decision: d, Status: models.StatusBlocked,
		}); err != nil {
			o.log.Errorf(ctx, "[orchestrator] blocked decision not audited, action stays RECEIVED: %v", err)
			return res, err
		}
		res.Status = models.StatusBlocked
		o.remember(res)
		o.log.Infof(ctx, "[orchestrator] action blocked: type=%s rule=%s reason=%s", a.Type, d.PolicyRuleID, d.Reason)
		return res, nil

	case !d.RequireConfirm:
		if _, err := o.trail.Append(ctx, models.AuditDecisionMade, models.DecisionPayload{
			ActionID: a.ID, Action: a, Decision: d, Status: models.StatusDispatching,
		}); err != nil {
			o.log.Errorf(ctx, "[orchestrator] dispatch not audited, action not executed: %v", err)
			return res, err
		}
		res.Status, res.Error = o.execute(ctx, a)
		o.remember(res)
		if _, err := o.trail.Append(ctx, models.AuditExecutionResult, models.ExecutionPayload{
			ActionID: a.ID, ActionType: a.Type, Status: res.Status, Error: res.Error,
		}); err != nil {
			o.log.Errorf(ctx, "[orchestrator] execution result not audited (status=%s): %v", res.Status, err)
			return res, err
		}
		return res, nil

	default:
		return o.requestConfirmation(ctx, a, d)
	}
}

func (o *Orchestrator) requestConfirmation(ctx context.Context, a models.Action, d models.Decision) (Result, error) {
	res := Result{ActionID: a.ID, AlertID: a.AlertID, Status: models.StatusReceived, Decision: d}
	in := cheq.CreateInput{Action: a, Decision: d}
	if o.rules != nil {
		m := o.rules.Match(a.Type, d.Severity)
		in.Timeout, in.ConfirmerIDs = m.Timeout, m.ConfirmerIDs
	}
	if len(in.ConfirmerIDs) == 0 {
		ids, err := o.resolver.Resolve(ctx, a.StoreID, a.Type)
		if err != nil {
			o.log.Warnf(ctx, "[orchestrator] resolve confirmers failed: %v", err)
		}
		in.ConfirmerIDs = ids
	}
	pc := o.queue.New(in)
	ctx = logger.WithConfirmationID(ctx, pc.ID)
	if _, err := o.trail.Append(ctx, models.AuditConfirmationRequested, models.ConfirmationPayload{
		ConfirmationID: pc.ID,
		ActionID:       a.ID,
		Action:         &pc.Action,
		Decision:       &pc.Decision,
		Status:         models.ConfirmationPending,
		ExpiresAt:      pc.ExpiresAt,
		ConfirmerIDs:   pc.ConfirmerIDs,
	}); err != nil {
		o.log.Errorf(ctx, "[orchestrator] confirmation request not audited, action stays RECEIVED: %v", err)
		return res, err
	}
	if err := o.queue.Add(ctx, pc); err != nil {
		o.log.Errorf(ctx, "[orchestrator] %v", err)
	}
	res.Status = models.StatusAwaitingConfirm
	res.ConfirmationID = pc.ID
	o.remember(res)

	o.notify(ctx, notify.BuildRequest(pc, o.baseURL))
	o.log.Infof(ctx, "[orchestrator] awaiting confirmation: type=%s expires_at=%s", a.Type, pc.ExpiresAt.Format(time.RFC3339))
	return res, nil
}

// notify 异步发送确认请求，Submit 不等待通知通道；失败不影响确认，仍可经 Confirm 结算或超时过期。
func (o *Orchestrator) notify(ctx context.Context, req notify.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
	o.notifying.Add(1)
	go func() {
		defer o.notifying.Done()
		defer cancel()
		if err := o.notifier.RequestConfirmation(ctx, req); err != nil {
			o.log.Warnf(ctx, "[orchestrator] confirmation notification failed: %v", err)
		}
	}()
}

// Wait 等待已发出的确认通知结束；停机时在关闭通知后端之前调用。
func (o *Orchestrator) Wait() {
	o.notifying.Wait()
}

// execute 调用执行器；失败只记录，不重试、不回退为 BLOCKED。
func (o *Orchestrator) execute(ctx context.Context, a models.Action) (models.ActionStatus, string) {
	if o.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ExecuteTimeout)
		defer cancel()
	}
	if err := o.exec.Execute(ctx, a); err != nil {
		o.log.Warnf(ctx, "[orchestrator] execution failed: type=%s err=%v", a.Type, err)
		return models.StatusExecutionFailed, err.Error()
	}
	o.log.Infof(ctx, "[orchestrator] action executed: type=%s", a.Type)
	return models.StatusExecuted, ""
}

// Confirm 结算待确认 Action。过期后无论 approve 均为 EXPIRED；已终态直接返回原状态，不再写审计。
func (o *Orchestrator) Confirm(ctx context.Context, id string, approve bool, by string) (models.ActionStatus, error) {
	ctx = logger.WithConfirmationID(ctx, id)
	pc, err := o.queue.Update(ctx, id, func(cur *models.PendingConfirmation) (*models.PendingConfirmation, error) {
		if cur.IsTerminal() {
			return nil, nil
		}
		now := o.now()
		if cur.Overdue(now) {
			return o.expire(ctx, cur, now)
		}
		actx := logger.WithActionID(ctx, cur.Action.ID)
		if !approve {
			if err := o.auditConfirmation(actx, models.AuditConfirmationRejected, cur, models.ConfirmationRejected, by); err != nil {
				return nil, err
			}
			settle(cur, models.ConfirmationRejected, models.StatusRejected, now)
			cur.SettledBy = by
			o.log.Infof(actx, "[orchestrator] confirmation rejected by=%s", by)
			return cur, nil
		}
		if err := o.auditConfirmation(actx, models.AuditConfirmationConfirmed, cur, models.ConfirmationConfirmed, by); err != nil {
			return nil, err
		}
		status, errText := o.execute(actx, cur.Action)
		settle(cur, models.ConfirmationConfirmed, status, o.now())
		cur.SettledBy = by
		if _, err := o.trail.Append(actx, models.AuditExecutionResult, models.ExecutionPayload{
			ActionID: cur.Action.ID, ActionType: cur.Action.Type, ConfirmationID: cur.ID, Status: status, Error: errText,
		}); err != nil {
			o.log.Errorf(actx, "[orchestrator] execution result not audited (status=%s): %v", status, err)
			return cur, err
		}
		return cur, nil
	})
	if pc == nil {
		return "", err
	}
	if !pc.IsTerminal() {
		return models.StatusAwaitingConfirm, err
	}
	o.settled(pc)
	return pc.Outcome, err
}

func (o *Orchestrator) auditConfirmation(ctx context.Context, ev models.AuditEvent, pc *models.PendingConfirmation, status models.ConfirmationStatus, by string) error {
	_, err := o.trail.Append(ctx, ev, models.ConfirmationPayload{
		ConfirmationID: pc.ID,
		ActionID:       pc.Action.ID,
		Status:         status,
		ExpiresAt:      pc.ExpiresAt,
		ConfirmerIDs:   pc.ConfirmerIDs,
		By:             by,
	})
	if err != nil {
		o.log.Errorf(ctx, "[orchestrator] %s not audited, confirmation stays PENDING: %v", ev, err)
	}
	return err
}

func (o *Orchestrator) expire(ctx context.Context, cur *models.PendingConfirmation, now time.Time) (*models.PendingConfirmation, error) {
	if err := o.auditConfirmation(logger.WithActionID(ctx, cur.Action.ID), models.AuditConfirmationExpired, cur, models.ConfirmationExpired, ""); err != nil {
		return nil, err
	}
	settle(cur, models.ConfirmationExpired, models.StatusExpired, now)
	o.log.Infof(ctx, "[orchestrator] confirmation expired: expires_at=%s", cur.ExpiresAt.Format(time.RFC3339))
	return cur, nil
}

func settle(pc *models.PendingConfirmation, status models.ConfirmationStatus, outcome models.ActionStatus, at time.Time) {
	at = at.UTC()
	pc.Status = status
	pc.Outcome = outcome
	pc.SettledAt = &at
}

func (o *Orchestrator) settled(pc *models.PendingConfirmation) {
	o.remember(Result{
		ActionID:       pc.Action.ID,
		Status:         pc.Outcome,
		Decision:       pc.Decision,
		ConfirmationID: pc.ID,
		AlertID:        pc.Action.AlertID,
	})
}

// Get 返回确认当前状态；已过期但仍为 PENDING 的在此惰性转为 EXPIRED。
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	pc, err := o.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pc.Overdue(o.now()) {
		return pc, nil
	}
	return o.expireByID(ctx, id)
}

func (o *Orchestrator) expireByID(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	ctx = logger.WithConfirmationID(ctx, id)
	pc, err := o.queue.Update(ctx, id, func(cur *models.PendingConfirmation) (*models.PendingConfirmation, error) {
		now := o.now()
		if !cur.Overdue(now) {
			return nil, nil
		}
		return o.expire(ctx, cur, now)
	})
	if pc != nil && pc.IsTerminal() {
		o.settled(pc)
	}
	return pc, err
}

// Sweep 将已过期的 PENDING 确认转为 EXPIRED 并写审计，返回成功转换的数量。
func (o *Orchestrator) Sweep(ctx context.Context) int {
	n := 0
	for _, id := range o.queue.Overdue(o.now()) {
		pc, err := o.expireByID(ctx, id)
		if err != nil {
			o.log.Errorf(logger.WithConfirmationID(ctx, id), "[orchestrator] sweep expire failed: %v", err)
			continue
		}
		if pc != nil && pc.Status == models.ConfirmationExpired {
			n++
		}
	}
	return n
}

// Run 按 SweepInterval 周期执行 Sweep，直到 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Sweep(ctx); n > 0 {
				o.log.Infof(ctx, "[orchestrator] sweep expired %d confirmations", n)
			}
		}
	}
}

// Pending 返回全部待确认对象。
func (o *Orchestrator) Pending() []*models.PendingConfirmation {
	return o.queue.Pending()
}

// Restore 重启后恢复：从审计日志重建 action 索引，再从确认存储读回 PENDING 对象。
func (o *Orchestrator) Restore(ctx context.Context, r audit.Reader) error {
	if r != nil {
		n, err := o.Rebuild(ctx, r)
		if err != nil {
			return fmt.Errorf("orchestrator: rebuild index: %w", err)
		}
		o.log.Infof(ctx, "[orchestrator] action index rebuilt: %d actions", n)
	}
	n, err := o.queue.Load(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load confirmations: %w", err)
	}
	o.log.Infof(ctx, "[orchestrator] restored %d pending confirmations", n)
	return nil
}

// Rebuild 从审计记录重建 action_id -> 最新状态；返回索引条数。
func (o *Orchestrator) Rebuild(ctx context.Context, r audit.Reader) (int, error) {
	recs, err := r.Since(ctx, 0)
	if err != nil {
		return 0, err
	}
	idx := make(map[string]Result)
	var order []string // 按最后一次出现排序，使 byAlert 指向告警最近的 Action
	last := make(map[string]int)
	for _, rec := range recs {
		id, err := applyRecord(idx, rec)
		if err != nil {
			return 0, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		if id != "" {
			last[id] = len(order)
			order = append(order, id)
		}
	}
	o.mu.Lock()
	for i, id := range order {
		if last[id] == i {
			o.rememberLocked(idx[id])
		}
	}
	n := len(o.index)
	o.mu.Unlock()
	return n, nil
}

var errBadPayload = errors.New("orchestrator: undecodable audit payload")
