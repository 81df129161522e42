package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bitleak/lmstfy/client"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// publishFunc lmstfy 发布调用，测试中替换。
type publishFunc func(queue string, data []byte, ttlSecond uint32, tries uint16, delaySecond uint32) (string, error)

// Job 投递到队列的任务体，由补货/改价等下游 worker 消费。
type Job struct {
	Action       models.Action `json:"action"`
	DispatchedAt time.Time     `json:"dispatched_at"`
}

// LmstfyExecutor 将 Action 作为任务发布到 lmstfy 队列；发布成功即视为执行成功。
type LmstfyExecutor struct {
	publish publishFunc
	queues  map[string]string
	ttl     uint32
	tries   uint16
	log     logger.Logger
	now     func() time.Time
}

// NewLmstfyExecutor 创建 Lmstfy 客户端
func NewLmstfyExecutor(cfg config.ExecutorConfig, log logger.Logger) *LmstfyExecutor {
	cli := client.NewLmstfyClient(cfg.Lmstfy.Host, cfg.Lmstfy.Port, cfg.Lmstfy.Namespace, cfg.Lmstfy.Token)
	publish := func(queue string, data []byte, ttl uint32, tries uint16, delay uint32) (string, error) {
		jobID, err := cli.Publish(queue, data, ttl, tries, delay)
		if err != nil {
			return "", err
		}
		return jobID, nil
	}
	return newLmstfyExecutor(publish, cfg, log)
}

func newLmstfyExecutor(publish publishFunc, cfg config.ExecutorConfig, log logger.Logger) *LmstfyExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	queues := make(map[string]string, len(cfg.Queues))
	for k, v := range cfg.Queues {
		queues[strings.ToUpper(k)] = v
	}
	e := &LmstfyExecutor{
		publish: publish,
		queues:  queues,
		ttl:     cfg.Lmstfy.TTL,
		tries:   cfg.Lmstfy.Tries,
		log:     log,
		now:     time.Now,
	}
	if e.tries == 0 {
		e.tries = 3
	}
	return e
}

// Queue 返回 action 类型对应的队列名；未配置时为 lossguard-<type 小写>。
func (e *LmstfyExecutor) Queue(t models.ActionType) string {
	if q, ok := e.queues[string(t)]; ok && q != "" {
		return q
	}
	return "lossguard-" + strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// Execute 发布任务到该类型的队列。
func (e *LmstfyExecutor) Execute(ctx context.Context, action models.Action) error {
	data, err := json.Marshal(Job{Action: action, DispatchedAt: e.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	queue := e.Queue(action.Type)
	jobID, err := e.publish(queue, data, e.ttl, e.tries, 0)
	if err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}
	e.log.Infof(logger.WithActionID(ctx, action.ID), "[executor] job published: queue=%s job_id=%s", queue, jobID)
	return nil
}
