package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

func TestRegistry_Dispatch(t *testing.T) {
	var got []models.ActionType
	record := FuncExecutor(func(ctx context.Context, a models.Action) error {
		got = append(got, a.Type)
		return nil
	})
	boom := errors.New("wms down")
	r := NewRegistry(nil)
	r.Register(models.ActionReplenishTask, record)
	r.Register(models.ActionMarkdown, FuncExecutor(func(ctx context.Context, a models.Action) error { return boom }))

	ctx := context.Background()
	if err := r.Execute(ctx, models.Action{Type: models.ActionReplenishTask}); err != nil {
		t.Fatal(err)
	}
	if err := r.Execute(ctx, models.Action{Type: models.ActionMarkdown}); !errors.Is(err, boom) {
		t.Errorf("markdown err = %v", err)
	}
	if err := r.Execute(ctx, models.Action{Type: "UNKNOWN"}); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("unknown err = %v", err)
	}
	if len(got) != 1 || got[0] != models.ActionReplenishTask {
		t.Errorf("dispatched = %v", got)
	}

	withFallback := NewRegistry(record)
	if err := withFallback.Execute(ctx, models.Action{Type: "UNKNOWN"}); err != nil {
		t.Errorf("fallback err = %v", err)
	}
}

func TestLogExecutor(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := LogExecutor{Log: logger.FromZap(zap.New(core))}
	if err := e.Execute(context.Background(), models.Action{ID: "a-1", Type: models.ActionReplenishTask}); err != nil {
		t.Fatal(err)
	}
	if entries := logs.All(); len(entries) != 1 || entries[0].ContextMap()["action_id"] != "a-1" {
		t.Errorf("entries = %+v", entries)
	}
}

type published struct {
	queue string
	data  []byte
	ttl   uint32
	tries uint16
}

func TestLmstfyExecutor_Publish(t *testing.T) {
	var calls []published
	pub := func(queue string, data []byte, ttl uint32, tries uint16, delay uint32) (string, error) {
		calls = append(calls, published{queue, data, ttl, tries})
		return "job-1", nil
	}
	cfg := config.ExecutorConfig{
		Lmstfy: config.LmstfyConfig{TTL: 600},
		Queues: map[string]string{"replenish_task": "wms-replenish"},
	}
	e := newLmstfyExecutor(pub, cfg, nil)
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	ctx := context.Background()
	a := models.Action{ID: "r-1", Type: models.ActionReplenishTask, Context: map[string]any{"backroomStock": 4}}
	if err := e.Execute(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := e.Execute(ctx, models.Action{ID: "m-1", Type: models.ActionMarkdown}); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].queue != "wms-replenish" || calls[0].ttl != 600 || calls[0].tries != 3 {
		t.Errorf("first publish = %+v", calls[0])
	}
	if calls[1].queue != "lossguard-markdown" {
		t.Errorf("default queue = %s", calls[1].queue)
	}
	var job Job
	if err := json.Unmarshal(calls[0].data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Action.ID != "r-1" || !job.DispatchedAt.Equal(fixed) {
		t.Errorf("job = %+v", job)
	}
}

func TestLmstfyExecutor_PublishError(t *testing.T) {
	pub := func(string, []byte, uint32, uint16, uint32) (string, error) {
		return "", errors.New("namespace not found")
	}
	e := newLmstfyExecutor(pub, config.ExecutorConfig{}, nil)
	if err := e.Execute(context.Background(), models.Action{Type: models.ActionMarkdown}); err == nil {
		t.Fatal("expected error")
	}
}
