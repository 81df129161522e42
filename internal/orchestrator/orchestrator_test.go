package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lossguard/internal/audit"
	"lossguard/internal/cheq"
	"lossguard/internal/config"
	"lossguard/internal/executor"
	"lossguard/internal/models"
	"lossguard/internal/notify"
	"lossguard/internal/ownership"
	"lossguard/internal/policy"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyAppender 在 fail 置位时拒绝写入。
type flakyAppender struct {
	inner audit.Appender
	fail  atomic.Bool
}

func (f *flakyAppender) Append(ctx context.Context, ev models.AuditEvent, p any) (*models.AuditRecord, error) {
	if f.fail.Load() {
		return nil, audit.ErrUnavailable
	}
	return f.inner.Append(ctx, ev, p)
}

type countingExecutor struct {
	n   atomic.Int32
	err error
}

func (e *countingExecutor) Execute(ctx context.Context, a models.Action) error {
	e.n.Add(1)
	return e.err
}

type fixture struct {
	orch  *Orchestrator
	trail *audit.Trail
	app   *flakyAppender
	exec  *countingExecutor
	note  *notify.StubNotifier
	clk   *clock
	store cheq.Store
}

func newFixture(t *testing.T, store cheq.Store) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	trail, err := audit.Open(context.Background(), audit.NewMemoryStore(), audit.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	return build(t, clk, trail, store)
}

func build(t *testing.T, clk *clock, trail *audit.Trail, store cheq.Store) *fixture {
	t.Helper()
	f := &fixture{
		trail: trail,
		app:   &flakyAppender{inner: trail},
		exec:  &countingExecutor{},
		note:  &notify.StubNotifier{},
		clk:   clk,
		store: store,
	}
	cfg := config.OrchestratorConfig{ConfirmTimeout: 120 * time.Second, SweepInterval: 5 * time.Second}
	f.orch = New(policy.NewEngine(policy.DefaultParams()), f.app, cfg,
		WithExecutor(f.exec),
		WithNotifier(f.note),
		WithResolver(ownership.NewStaticResolver(map[string][]string{"s1": {"mgr-s1"}}, []string{"mgr-default"})),
		WithQueue(cheq.NewQueue(store, cfg.ConfirmTimeout, cheq.WithClock(clk.Now))),
		WithClock(clk.Now),
		WithBaseURL("http://lg.local"),
	)
	return f
}

func (f *fixture) records(t *testing.T) []models.AuditRecord {
	t.Helper()
	recs, err := f.trail.Since(context.Background(), 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	return recs
}

func underscan(id string, delta, conf float64) models.Action {
	return models.Action{
		ID: id, Type: models.ActionPOSUnderscan, StoreID: "S1", TillID: "T1",
		Payload: map[string]any{"delta": delta}, Confidence: conf,
	}
}

func TestSubmit_UnderscanAwaitsConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.orch.Submit(context.Background(), underscan("a-1", 2, 0.92))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != models.StatusAwaitingConfirm || res.ConfirmationID == "" {
		t.Fatalf("result = %+v", res)
	}
	recs := f.records(t)
	if len(recs) != 1 || recs[0].Event != models.AuditConfirmationRequested {
		t.Fatalf("records = %+v", recs)
	}
	var p models.ConfirmationPayload
	if err := json.Unmarshal(recs[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Action == nil || p.Decision == nil || p.Action.ID != "a-1" || !p.Decision.RequireConfirm {
		t.Errorf("payload = %+v", p)
	}
	if f.exec.n.Load() != 0 {
		t.Error("executor called before confirmation")
	}
	f.orch.Wait()
	reqs := f.note.Requests()
	if len(reqs) != 1 || reqs[0].ConfirmationID != res.ConfirmationID {
		t.Fatalf("notifications = %+v", reqs)
	}
	if len(reqs[0].ConfirmerIDs) != 1 || reqs[0].ConfirmerIDs[0] != "mgr-s1" {
		t.Errorf("confirmers = %v", reqs[0].ConfirmerIDs)
	}
	pc, err := f.orch.Get(context.Background(), res.ConfirmationID)
	if err != nil || pc.Status != models.ConfirmationPending {
		t.Fatalf("Get = %+v, %v", pc, err)
	}
	if want := f.clk.Now().Add(120 * time.Second); !pc.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", pc.ExpiresAt, want)
	}
}

func TestSubmit_MarkdownOverCapBlocked(t *testing.T) {
	f := newFixture(t, nil)
	a := models.Action{ID: "md-50", Type: models.ActionMarkdown, Payload: map[string]any{"discountPct": 50.0, "category": "produce"}}
	res, err := f.orch.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != models.StatusBlocked || res.Decision.Severity != models.SeverityHigh || res.Decision.Reason != "exceeds policy cap" {
		t.Fatalf("result = %+v", res)
	}
	recs := f.records(t)
	if len(recs) != 1 || recs[0].Event != models.AuditDecisionMade {
		t.Fatalf("records = %+v", recs)
	}
	if f.exec.n.Load() != 0 || len(f.note.Requests()) != 0 {
		t.Error("blocked action dispatched or notified")
	}
}

func TestSubmit_ReplenishExecutes(t *testing.T) {
	f := newFixture(t, nil)
	a := models.Action{ID: "r-1", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 5.0}}
	res, err := f.orch.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != models.StatusExecuted || f.exec.n.Load() != 1 {
		t.Fatalf("result = %+v executions=%d", res, f.exec.n.Load())
	}
	recs := f.records(t)
	if len(recs) != 2 || recs[0].Event != models.AuditDecisionMade || recs[1].Event != models.AuditExecutionResult {
		t.Fatalf("records = %+v", recs)
	}
	if ok, err := f.trail.Verify(context.Background()); !ok || err != nil {
		t.Errorf("Verify = %v, %v", ok, err)
	}
}

func TestSubmit_ExecutorFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.exec.err = errors.New("task system down")
	a := models.Action{ID: "r-2", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 3.0}}
	res, err := f.orch.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != models.StatusExecutionFailed || res.Error != "task system down" {
		t.Fatalf("result = %+v", res)
	}
	recs := f.records(t)
	var p models.ExecutionPayload
	if err := json.Unmarshal(recs[len(recs)-1].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != models.StatusExecutionFailed || p.Error == "" {
		t.Errorf("execution payload = %+v", p)
	}
}

func TestSubmit_AuditUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		action models.Action
	}{
		{"auto", models.Action{ID: "r-3", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 3.0}}},
		{"confirm", underscan("a-3", 2, 0.95)},
		{"blocked", underscan("a-4", 0, 0.95)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.app.fail.Store(true)
			res, err := f.orch.Submit(context.Background(), tt.action)
			if err == nil {
				t.Fatal("expected error")
			}
			if res.Status != models.StatusReceived {
				t.Errorf("status = %s, want RECEIVED", res.Status)
			}
			if f.exec.n.Load() != 0 || len(f.orch.Pending()) != 0 || len(f.note.Requests()) != 0 {
				t.Error("side effect without audit")
			}
			// 审计恢复后同一 action 可重新提交
			f.app.fail.Store(false)
			if _, err := f.orch.Submit(context.Background(), tt.action); err != nil {
				t.Errorf("resubmit: %v", err)
			}
		})
	}
}

func TestSubmit_DuplicateActionID(t *testing.T) {
	f := newFixture(t, nil)
	a := models.Action{ID: "r-dup", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 3.0}}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.Submit(context.Background(), a); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := f.exec.n.Load(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
	res, _ := f.orch.Submit(context.Background(), a)
	if !res.Duplicate || res.Status != models.StatusExecuted {
		t.Errorf("duplicate result = %+v", res)
	}
}

func TestSubmit_GeneratesID(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.orch.Submit(context.Background(), models.Action{Type: models.ActionReplenishTask})
	if err != nil || res.ActionID == "" || res.Status != models.StatusBlocked {
		t.Fatalf("result = %+v, %v", res, err)
	}
}

func TestConfirm_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		advance time.Duration
		execErr error
		want    models.ActionStatus
		events  []models.AuditEvent
	}{
		{"approve", true, 0, nil, models.StatusExecuted,
			[]models.AuditEvent{models.AuditConfirmationRequested, models.AuditConfirmationConfirmed, models.AuditExecutionResult}},
		{"approve execution fails", true, 0, errors.New("boom"), models.StatusExecutionFailed,
			[]models.AuditEvent{models.AuditConfirmationRequested, models.AuditConfirmationConfirmed, models.AuditExecutionResult}},
		{"reject", false, 0, nil, models.StatusRejected,
			[]models.AuditEvent{models.AuditConfirmationRequested, models.AuditConfirmationRejected}},
		{"approve after expiry", true, 121 * time.Second, nil, models.StatusExpired,
			[]models.AuditEvent{models.AuditConfirmationRequested, models.AuditConfirmationExpired}},
		{"approve at deadline", true, 120 * time.Second, nil, models.StatusExecuted,
			[]models.AuditEvent{models.AuditConfirmationRequested, models.AuditConfirmationConfirmed, models.AuditExecutionResult}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.exec.err = tt.execErr
			res, err := f.orch.Submit(context.Background(), underscan("a-c", 2, 0.95))
			if err != nil {
				t.Fatal(err)
			}
			f.clk.Advance(tt.advance)
			got, err := f.orch.Confirm(context.Background(), res.ConfirmationID, tt.approve, "mgr-s1")
			if err != nil {
				t.Fatalf("Confirm: %v", err)
			}
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			recs := f.records(t)
			if len(recs) != len(tt.events) {
				t.Fatalf("records = %d, want %d", len(recs), len(tt.events))
			}
			for i, ev := range tt.events {
				if recs[i].Event != ev {
					t.Errorf("record %d = %s, want %s", i, recs[i].Event, ev)
				}
			}
			wantBy := "mgr-s1"
			if tt.want == models.StatusExpired {
				wantBy = ""
			}
			var p models.ConfirmationPayload
			if err := json.Unmarshal(recs[1].Payload, &p); err != nil || p.By != wantBy {
				t.Errorf("settlement payload by = %q, want %q (err=%v)", p.By, wantBy, err)
			}
			if pc, err := f.orch.Get(context.Background(), res.ConfirmationID); err != nil || pc.SettledBy != wantBy {
				t.Errorf("settled_by = %+v, err=%v", pc, err)
			}
			if len(f.orch.Pending()) != 0 {
				t.Error("settled confirmation still pending")
			}
			// 重复结算返回原状态且不再写审计
			again, err := f.orch.Confirm(context.Background(), res.ConfirmationID, !tt.approve, "")
			if err != nil || again != tt.want {
				t.Errorf("second Confirm = %s, %v", again, err)
			}
			if n := len(f.records(t)); n != len(tt.events) {
				t.Errorf("records after second Confirm = %d", n)
			}
		})
	}
}

func TestConfirm_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Confirm(context.Background(), "missing", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := f.orch.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v", err)
	}
}

func TestConfirm_AuditUnavailableKeepsPending(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.orch.Submit(context.Background(), underscan("a-u", 2, 0.95))
	f.app.fail.Store(true)
	status, err := f.orch.Confirm(context.Background(), res.ConfirmationID, true, "")
	if err == nil || status != models.StatusAwaitingConfirm {
		t.Fatalf("Confirm = %s, %v", status, err)
	}
	if f.exec.n.Load() != 0 {
		t.Fatal("executed without audit")
	}
	f.app.fail.Store(false)
	if status, err := f.orch.Confirm(context.Background(), res.ConfirmationID, true, ""); err != nil || status != models.StatusExecuted {
		t.Fatalf("retry Confirm = %s, %v", status, err)
	}
}

func TestConfirm_ConcurrentFirstWins(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.orch.Submit(context.Background(), underscan("a-race", 2, 0.95))
	var wg sync.WaitGroup
	results := make([]models.ActionStatus, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.orch.Confirm(context.Background(), res.ConfirmationID, i%2 == 0, "")
			if err != nil {
				t.Errorf("Confirm: %v", err)
			}
			results[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range results[1:] {
		if s != results[0] {
			t.Fatalf("divergent outcomes: %v", results)
		}
	}
	if f.exec.n.Load() > 1 {
		t.Errorf("executions = %d", f.exec.n.Load())
	}
	if n := len(f.records(t)); n > 3 {
		t.Errorf("records = %d, want at most 3", n)
	}
}

func TestSweep_ExpiresWithinOneInterval(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.orch.Submit(context.Background(), underscan("a-s", 2, 0.95))
	f.clk.Advance(120*time.Second + time.Millisecond)
	if n := f.orch.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	recs, err := f.trail.Since(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Event != models.AuditConfirmationExpired {
		t.Fatalf("records since 1 = %+v", recs)
	}
	pc, err := f.orch.Get(context.Background(), res.ConfirmationID)
	if err != nil || pc.Status != models.ConfirmationExpired || pc.Outcome != models.StatusExpired {
		t.Fatalf("Get = %+v, %v", pc, err)
	}
	if n := f.orch.Sweep(context.Background()); n != 0 {
		t.Errorf("second Sweep = %d", n)
	}
}

func TestGet_LazyExpiry(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := f.orch.Submit(context.Background(), underscan("a-l", 2, 0.95))
	f.clk.Advance(10 * time.Minute)
	pc, err := f.orch.Get(context.Background(), res.ConfirmationID)
	if err != nil || pc.Status != models.ConfirmationExpired {
		t.Fatalf("Get = %+v, %v", pc, err)
	}
	if n := len(f.records(t)); n != 2 {
		t.Errorf("records = %d, want 2", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNotificationFailureNonFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.note.Err = errors.New("redis down")
	res, err := f.orch.Submit(context.Background(), underscan("a-n", 3, 0.99))
	if err != nil || res.Status != models.StatusAwaitingConfirm {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	if s, err := f.orch.Confirm(context.Background(), res.ConfirmationID, true, ""); err != nil || s != models.StatusExecuted {
		t.Fatalf("Confirm = %s, %v", s, err)
	}
}

// hangingNotifier 阻塞到 ctx 结束，模拟通知后端不可达。
type hangingNotifier struct {
	calls atomic.Int32
}

func (n *hangingNotifier) RequestConfirmation(ctx context.Context, req notify.Request) error {
	n.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestSubmit_DoesNotWaitForNotification(t *testing.T) {
	f := newFixture(t, nil)
	hang := &hangingNotifier{}
	f.orch.notifier = hang
	f.orch.cfg.NotifyTimeout = 50 * time.Millisecond

	start := time.Now()
	res, err := f.orch.Submit(context.Background(), underscan("a-slow", 3, 0.99))
	if err != nil || res.Status != models.StatusAwaitingConfirm {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	if elapsed := time.Since(start); elapsed >= 50*time.Millisecond {
		t.Errorf("Submit blocked on notifier for %v", elapsed)
	}
	if s, err := f.orch.Confirm(context.Background(), res.ConfirmationID, true, ""); err != nil || s != models.StatusExecuted {
		t.Fatalf("Confirm = %s, %v", s, err)
	}

	done := make(chan struct{})
	go func() {
		f.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification outlived its timeout")
	}
	if hang.calls.Load() != 1 {
		t.Errorf("notifier calls = %d", hang.calls.Load())
	}
}

func TestApprovalRulesOverrideTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.rules = ownership.NewRuleMatcher([]config.ApprovalRule{
		{ActionType: "MARKDOWN", Timeout: 10 * time.Minute, ConfirmerIDs: []string{"pricing-lead"}},
	}, ownership.ApprovalRuleMatch{})
	a := models.Action{ID: "md-ok", Type: models.ActionMarkdown, StoreID: "S1", Payload: map[string]any{"discountPct": 20.0, "category": "produce"}}
	res, err := f.orch.Submit(context.Background(), a)
	if err != nil || res.Status != models.StatusAwaitingConfirm {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	pc, err := f.orch.Get(context.Background(), res.ConfirmationID)
	if err != nil {
		t.Fatal(err)
	}
	if !pc.ExpiresAt.Equal(f.clk.Now().Add(10*time.Minute)) || len(pc.ConfirmerIDs) != 1 || pc.ConfirmerIDs[0] != "pricing-lead" {
		t.Errorf("pending = %+v", pc)
	}
}

func TestRestore_AfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := cheq.NewJSONStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, store)
	first := underscan("a-p", 2, 0.95)
	first.AlertID = "al-1"
	f.app.fail.Store(true)
	if _, err := f.orch.Submit(context.Background(), first); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := f.orch.ActionForAlert("al-1"); ok {
		t.Fatal("unaudited action indexed for alert")
	}
	f.app.fail.Store(false)
	pending, _ := f.orch.Submit(context.Background(), first)
	done := models.Action{ID: "r-done", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 2.0}}
	if _, err := f.orch.Submit(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	store2, err := cheq.NewJSONStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	g := build(t, f.clk, f.trail, store2)
	if err := g.orch.Restore(context.Background(), f.trail); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := g.orch.Pending(); len(got) != 1 || got[0].ID != pending.ConfirmationID {
		t.Fatalf("pending after restore = %+v", got)
	}
	if r, ok := g.orch.ActionForAlert("al-1"); !ok || r.ActionID != "a-p" || r.Status != models.StatusAwaitingConfirm {
		t.Fatalf("ActionForAlert after restore = %+v, %v", r, ok)
	}
	res, err := g.orch.Submit(context.Background(), done)
	if err != nil || !res.Duplicate || res.Status != models.StatusExecuted {
		t.Fatalf("resubmit after restore = %+v, %v", res, err)
	}
	if g.exec.n.Load() != 0 {
		t.Error("action re-executed after restart")
	}
	if s, err := g.orch.Confirm(context.Background(), pending.ConfirmationID, true, ""); err != nil || s != models.StatusExecuted {
		t.Fatalf("Confirm after restore = %s, %v", s, err)
	}
}

func TestReplayDecisions(t *testing.T) {
	f := newFixture(t, nil)
	actions := []models.Action{
		underscan("x-1", 2, 0.95),
		underscan("x-2", 0, 0.95),
		{ID: "x-3", Type: models.ActionMarkdown, Payload: map[string]any{"discountPct": 45.0}},
		{ID: "x-4", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 1.0}},
	}
	for _, a := range actions {
		if _, err := f.orch.Submit(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	// 经 JSON 导出再读回
	data, err := json.Marshal(f.records(t))
	if err != nil {
		t.Fatal(err)
	}
	var recs []models.AuditRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatal(err)
	}
	entries, err := ReplayDecisions(policy.NewEngine(policy.DefaultParams()), recs)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(actions) {
		t.Fatalf("entries = %d, want %d", len(entries), len(actions))
	}
	for _, e := range entries {
		if !e.Match() {
			t.Errorf("seq %d: recorded %+v replayed %+v", e.Seq, e.Recorded, e.Replayed)
		}
	}
}

var _ executor.Executor = (*countingExecutor)(nil)
