package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"lossguard/internal/audit"
	"lossguard/internal/config"
	"lossguard/internal/correlator"
	"lossguard/internal/executor"
	"lossguard/internal/models"
	"lossguard/internal/orchestrator"
	"lossguard/internal/policy"
)

var t0 = time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)

type env struct {
	svc      *Service
	trail    *audit.Trail
	now      time.Time
	executed []models.Action
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

// newEnvWith wrap 非空时替换编排器使用的审计写入端。
func newEnvWith(t *testing.T, wrap func(audit.Appender) audit.Appender) *env {
	t.Helper()
	e := &env{now: t0}
	clock := func() time.Time { return e.now }
	trail, err := audit.Open(context.Background(), audit.NewMemoryStore(), audit.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	e.trail = trail
	corr := correlator.New(config.CorrelatorConfig{Window: 30 * time.Second},
		correlator.WithRecorder(trail), correlator.WithClock(clock))
	var app audit.Appender = trail
	if wrap != nil {
		app = wrap(trail)
	}
	orch := orchestrator.New(policy.NewEngine(policy.DefaultParams()), app,
		config.OrchestratorConfig{ConfirmTimeout: 120 * time.Second},
		orchestrator.WithClock(clock),
		orchestrator.WithExecutor(executor.FuncExecutor(func(_ context.Context, a models.Action) error {
			e.executed = append(e.executed, a)
			return nil
		})))
	e.svc = New(corr, orch, trail, nil)
	return e
}

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

func pos(id string, ts time.Time, scanned int) models.Event {
	return models.Event{EventID: id, TillID: "T1", StoreID: "S1", Timestamp: ts,
		Details: models.EventDetails{ItemsScanned: &scanned}}
}

func cam(id string, ts time.Time, bagged int, conf float64) models.Event {
	return models.Event{EventID: id, TillID: "T1", StoreID: "S1", CameraID: "C1", Timestamp: ts,
		Details: models.EventDetails{EstimatedItemsBagged: &bagged, Confidence: &conf}}
}

func (e *env) events(t *testing.T, from uint64) []models.AuditEvent {
	t.Helper()
	recs, err := e.svc.GetAuditSince(context.Background(), from)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]models.AuditEvent, len(recs))
	for i, r := range recs {
		out[i] = r.Event
	}
	return out
}

func TestUnderscanAwaitsConfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.PostPosEvent(ctx, pos("p1", e.now, 2)); err != nil {
		t.Fatal(err)
	}
	e.advance(5 * time.Second)
	res, err := e.svc.PostCameraEvent(ctx, cam("c1", e.now, 3, 0.95))
	if err != nil {
		t.Fatal(err)
	}
	if res.Alert == nil || res.Alert.Details.Delta != 1 || res.Alert.Severity != models.SeverityHigh {
		t.Fatalf("alert = %+v", res.Alert)
	}
	if res.Action == nil || res.Action.Status != models.StatusAwaitingConfirm {
		t.Fatalf("action = %+v", res.Action)
	}
	if !res.Action.Decision.Allow || !res.Action.Decision.RequireConfirm {
		t.Errorf("decision = %+v", res.Action.Decision)
	}
	// alert_raised 之后，编排器只写一条
	got := e.events(t, 1)
	if len(got) != 1 || got[0] != models.AuditConfirmationRequested {
		t.Fatalf("orchestrator records = %v", got)
	}
	if len(e.executed) != 0 {
		t.Fatal("executed before confirmation")
	}

	status, err := e.svc.Confirm(ctx, res.Action.ConfirmationID, true, "mgr-s1")
	if err != nil || status != models.StatusExecuted {
		t.Fatalf("Confirm = %s, %v", status, err)
	}
	if len(e.executed) != 1 || e.executed[0].AlertID != res.Alert.ID {
		t.Fatalf("executed = %+v", e.executed)
	}
	if v, err := e.svc.VerifyAuditChain(ctx); err != nil || !v.OK {
		t.Fatalf("verify = %+v, %v", v, err)
	}
}

func TestLowConfidenceRaisesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.PostPosEvent(ctx, pos("p1", e.now, 2))
	e.advance(5 * time.Second)
	res, err := e.svc.PostCameraEvent(ctx, cam("c1", e.now, 3, 0.4))
	if err != nil {
		t.Fatal(err)
	}
	if res.Alert != nil || res.Action != nil {
		t.Fatalf("result = %+v", res)
	}
	if got := e.events(t, 0); len(got) != 0 {
		t.Fatalf("audit = %v", got)
	}
	if n := len(e.svc.GetOpenAlerts("")); n != 0 {
		t.Errorf("open alerts = %d", n)
	}
}

func TestMarkdownOverCapBlocked(t *testing.T) {
	e := newEnv(t)
	res, err := e.svc.SubmitAction(context.Background(), models.Action{
		ID: "md-1", Type: models.ActionMarkdown, Confidence: 1,
		Payload: map[string]any{"discountPct": 50.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusBlocked || res.Decision.Allow || res.Decision.Severity != models.SeverityHigh {
		t.Fatalf("result = %+v", res)
	}
	if got := e.events(t, 0); len(got) != 1 || got[0] != models.AuditDecisionMade {
		t.Fatalf("audit = %v", got)
	}
	if len(e.executed) != 0 {
		t.Fatal("blocked action executed")
	}
}

func TestEscalationSubmitsNewRevision(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.PostPosEvent(ctx, pos("p1", e.now, 2))
	first, err := e.svc.PostCameraEvent(ctx, cam("c1", e.now, 3, 0.75))
	if err != nil {
		t.Fatal(err)
	}
	if first.Action == nil || first.Action.Status != models.StatusBlocked {
		t.Fatalf("medium-confidence action = %+v", first.Action)
	}
	if first.Action.ActionID != "underscan-"+first.Alert.ID+"-r1" {
		t.Errorf("action id = %s", first.Action.ActionID)
	}

	e.advance(3 * time.Second)
	e.svc.PostPosEvent(ctx, pos("p2", e.now, 1))
	second, err := e.svc.PostCameraEvent(ctx, cam("c2", e.now, 3, 0.96))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Escalated || second.Action == nil || second.Action.Status != models.StatusAwaitingConfirm {
		t.Fatalf("escalation = %+v", second)
	}
	if second.Action.ActionID != "underscan-"+first.Alert.ID+"-r2" {
		t.Errorf("action id = %s", second.Action.ActionID)
	}
	if n := len(e.svc.PendingConfirmations()); n != 1 {
		t.Errorf("pending = %d", n)
	}
}

// flakyAppender down 为 true 时拒绝写入。
type flakyAppender struct {
	audit.Appender
	down atomic.Bool
}

func (f *flakyAppender) Append(ctx context.Context, event models.AuditEvent, payload any) (*models.AuditRecord, error) {
	if f.down.Load() {
		return nil, audit.ErrUnavailable
	}
	return f.Appender.Append(ctx, event, payload)
}

func TestAlertWithoutActionIsResubmitted(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*env, *flakyAppender, *models.Alert) {
		t.Helper()
		var flaky *flakyAppender
		e := newEnvWith(t, func(a audit.Appender) audit.Appender {
			flaky = &flakyAppender{Appender: a}
			return flaky
		})
		e.svc.PostPosEvent(ctx, pos("p1", e.now, 2))
		flaky.down.Store(true)
		res, err := e.svc.PostCameraEvent(ctx, cam("c1", e.now, 3, 0.95))
		if !errors.Is(err, audit.ErrUnavailable) {
			t.Fatalf("err = %v", err)
		}
		if res.Alert == nil || !res.Created || res.Action != nil {
			t.Fatalf("result = %+v", res)
		}
		flaky.down.Store(false)
		return e, flaky, res.Alert
	}

	t.Run("reconcile", func(t *testing.T) {
		e, flaky, alert := setup(t)
		flaky.down.Store(true)
		if n, err := e.svc.Reconcile(ctx); n != 0 || !errors.Is(err, audit.ErrUnavailable) {
			t.Fatalf("Reconcile during outage = %d, %v", n, err)
		}
		flaky.down.Store(false)
		n, err := e.svc.Reconcile(ctx)
		if err != nil || n != 1 {
			t.Fatalf("Reconcile = %d, %v", n, err)
		}
		pending := e.svc.PendingConfirmations()
		if len(pending) != 1 || pending[0].Action.ID != "underscan-"+alert.ID+"-r1" {
			t.Fatalf("pending = %+v", pending)
		}
		if n, err := e.svc.Reconcile(ctx); err != nil || n != 0 {
			t.Errorf("second Reconcile = %d, %v", n, err)
		}
	})

	t.Run("next pairing", func(t *testing.T) {
		e, _, alert := setup(t)
		e.advance(3 * time.Second)
		e.svc.PostPosEvent(ctx, pos("p2", e.now, 2))
		res, err := e.svc.PostCameraEvent(ctx, cam("c2", e.now, 3, 0.95))
		if err != nil {
			t.Fatal(err)
		}
		if res.Escalated || res.Action == nil || res.Action.ActionID != "underscan-"+alert.ID+"-r2" {
			t.Fatalf("result = %+v", res)
		}
		if res.Action.Status != models.StatusAwaitingConfirm {
			t.Errorf("status = %s", res.Action.Status)
		}
		if n, err := e.svc.Reconcile(ctx); err != nil || n != 0 {
			t.Errorf("Reconcile = %d, %v", n, err)
		}
		// 已有 Action 后，非升级的更新不再提交
		e.advance(3 * time.Second)
		e.svc.PostPosEvent(ctx, pos("p3", e.now, 2))
		again, err := e.svc.PostCameraEvent(ctx, cam("c3", e.now, 3, 0.95))
		if err != nil || again.Action != nil {
			t.Fatalf("third pairing = %+v, %v", again, err)
		}
	})
}

func TestPostTypeEnforced(t *testing.T) {
	e := newEnv(t)
	ev := pos("p1", e.now, 2)
	ev.Type = models.EventPOS
	if _, err := e.svc.PostCameraEvent(context.Background(), ev); !errors.Is(err, models.ErrMalformedEvent) {
		t.Fatalf("err = %v", err)
	}
	bad := pos("", e.now, 1)
	if _, err := e.svc.PostPosEvent(context.Background(), bad); !errors.Is(err, models.ErrMalformedEvent) {
		t.Fatalf("err = %v", err)
	}
	if got := e.events(t, 0); len(got) != 0 {
		t.Fatalf("malformed input audited: %v", got)
	}
}

func TestResolveAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.PostPosEvent(ctx, pos("p1", e.now, 2))
	res, _ := e.svc.PostCameraEvent(ctx, cam("c1", e.now, 4, 0.9))
	a, err := e.svc.ResolveAlert(ctx, res.Alert.ID, "mgr-1")
	if err != nil || a.Status != models.AlertResolved {
		t.Fatalf("Resolve = %+v, %v", a, err)
	}
	if n := len(e.svc.GetOpenAlerts("T1")); n != 0 {
		t.Errorf("open = %d", n)
	}
	if _, err := e.svc.ResolveAlert(ctx, "nope", "x"); !errors.Is(err, correlator.ErrAlertNotFound) {
		t.Errorf("err = %v", err)
	}
	if st := e.svc.AlertStats(); st.Resolved[models.SeverityHigh] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGetConfirmationExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	res, err := e.svc.SubmitAction(ctx, models.Action{ID: "md-ok", Type: models.ActionMarkdown,
		Payload: map[string]any{"discountPct": 10.0, "category": "bakery"}})
	if err != nil || res.Status != models.StatusAwaitingConfirm {
		t.Fatalf("Submit = %+v, %v", res, err)
	}
	e.advance(3 * time.Minute)
	pc, err := e.svc.GetConfirmation(ctx, res.ConfirmationID)
	if err != nil || pc.Status != models.ConfirmationExpired {
		t.Fatalf("Get = %+v, %v", pc, err)
	}
	if _, err := e.svc.GetConfirmation(ctx, "missing"); !errors.Is(err, orchestrator.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
