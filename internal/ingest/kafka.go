package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// messageReader kafka.Reader 的读取子集。
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource 消费 POS 与摄像头两个 topic，解码后投递到 Sink。
type KafkaSource struct {
	sink    Sink
	log     logger.Logger
	readers map[models.EventType]messageReader
}

// NewKafkaSource 按配置为每个 topic 创建 consumer group 读取器。
func NewKafkaSource(cfg config.KafkaConfig, sink Sink, log logger.Logger) *KafkaSource {
	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
	}
	return newKafkaSource(map[models.EventType]messageReader{
		models.EventPOS:    newReader(cfg.POSTopic),
		models.EventCamera: newReader(cfg.CameraTopic),
	}, sink, log)
}

func newKafkaSource(readers map[models.EventType]messageReader, sink Sink, log logger.Logger) *KafkaSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &KafkaSource{sink: sink, log: log, readers: readers}
}

// Run 阻塞读取直到 ctx 取消，返回前关闭读取器。
func (k *KafkaSource) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for kind, r := range k.readers {
		wg.Add(1)
		go func(kind models.EventType, r messageReader) {
			defer wg.Done()
			defer r.Close()
			k.consume(ctx, kind, r)
		}(kind, r)
	}
	wg.Wait()
	return ctx.Err()
}

func (k *KafkaSource) consume(ctx context.Context, kind models.EventType, r messageReader) {
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				k.log.Errorf(ctx, "[ingest] kafka %s read failed: %v", kind, err)
			}
			return
		}
		ev, err := Decode(kind, m.Value)
		if err != nil {
			// 畸形消息跳过，offset 已提交，不重投
			k.log.Warnf(ctx, "[ingest] kafka %s message dropped (partition=%d offset=%d): %v", kind, m.Partition, m.Offset, err)
			continue
		}
		if err := k.sink.Submit(ctx, ev); err != nil {
			k.log.Warnf(ctx, "[ingest] kafka %s submit failed: %v", kind, err)
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
		}
	}
}
