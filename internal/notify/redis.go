package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lossguard/internal/config"
	"lossguard/internal/logger"
)

// publisher redis.Client 的发布子集，便于测试替换。
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 将请求以 JSON 发布到 Redis 频道，由外部投递服务订阅消费；失败按指数退避重试。
type RedisNotifier struct {
	pub         publisher
	client      *redis.Client
	channel     string
	maxAttempts int
	backoff     time.Duration
	log         logger.Logger
	wait        func(ctx context.Context, d time.Duration) error
}

// NewRedisNotifier 连接 Redis 并校验可用。
func NewRedisNotifier(cfg config.NotifyConfig, log logger.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 测试连接
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	n := newRedisNotifier(client, cfg, log)
	n.client = client
	return n, nil
}

func newRedisNotifier(pub publisher, cfg config.NotifyConfig, log logger.Logger) *RedisNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	n := &RedisNotifier{
		pub:         pub,
		channel:     cfg.Channel,
		maxAttempts: cfg.RetryMaxAttempts,
		backoff:     cfg.RetryInitialBackoff,
		log:         log,
		wait:        sleepCtx,
	}
	if n.channel == "" {
		n.channel = "lossguard.confirmations"
	}
	if n.maxAttempts <= 0 {
		n.maxAttempts = 3
	}
	if n.backoff <= 0 {
		n.backoff = time.Second
	}
	return n
}

// RequestConfirmation 发布请求；ctx 取消时停止重试。
func (n *RedisNotifier) RequestConfirmation(ctx context.Context, req Request) error {
	msgJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation request: %w", err)
	}
	ctx = logger.WithConfirmationID(ctx, req.ConfirmationID)
	for attempt := 0; attempt < n.maxAttempts; attempt++ {
		if err = n.pub.Publish(ctx, n.channel, msgJSON).Err(); err == nil {
			return nil
		}
		if attempt < n.maxAttempts-1 {
			backoff := n.backoff << uint(attempt)
			n.log.Warnf(ctx, "[notify] publish retry %d/%d after %v: %v", attempt+1, n.maxAttempts, backoff, err)
			if werr := n.wait(ctx, backoff); werr != nil {
				return fmt.Errorf("failed to publish confirmation request: %w (retry aborted: %v)", err, werr)
			}
		}
	}
	return fmt.Errorf("failed to publish confirmation request: %w", err)
}

// sleepCtx 等待 d 或 ctx 结束。
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close 关闭 Redis 连接
func (n *RedisNotifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}
