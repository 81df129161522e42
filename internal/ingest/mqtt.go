package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lossguard/internal/config"
	"lossguard/internal/logger"
	"lossguard/internal/models"
)

// MQTTSource 订阅门店节点发布的事件；topic 形如 lossguard/<store_id>/<till_id>/<pos|camera>。
type MQTTSource struct {
	cfg    config.MQTTConfig
	sink   Sink
	log    logger.Logger
	client mqtt.Client
}

// NewMQTTSource 创建接入源，Start 时连接。
func NewMQTTSource(cfg config.MQTTConfig, sink Sink, log logger.Logger) *MQTTSource {
	if log == nil {
		log = logger.NewNop()
	}
	return &MQTTSource{cfg: cfg, sink: sink, log: log}
}

// Start 连接 broker；重连后自动重新订阅。
func (m *MQTTSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			m.log.Infof(ctx, "[ingest] mqtt connected to %s", m.cfg.Broker)
			m.subscribe(ctx, c)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warnf(ctx, "[ingest] mqtt connection lost: %v", err)
		})
	m.client = mqtt.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, token.Error())
	}
	return nil
}

func (m *MQTTSource) subscribe(ctx context.Context, c mqtt.Client) {
	for topic, kind := range map[string]models.EventType{
		m.cfg.POSTopic:    models.EventPOS,
		m.cfg.CameraTopic: models.EventCamera,
	} {
		if topic == "" {
			continue
		}
		if token := c.Subscribe(topic, m.cfg.QoS, m.handler(ctx, kind)); token.Wait() && token.Error() != nil {
			m.log.Errorf(ctx, "[ingest] mqtt subscribe %s failed: %v", topic, token.Error())
		}
	}
}

func (m *MQTTSource) handler(ctx context.Context, kind models.EventType) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := m.handle(ctx, kind, msg.Topic(), msg.Payload()); err != nil {
			m.log.Warnf(ctx, "[ingest] mqtt message on %s dropped: %v", msg.Topic(), err)
		}
	}
}

// handle 解码并投递；消息体缺 store_id / till_id 时取自 topic。
func (m *MQTTSource) handle(ctx context.Context, kind models.EventType, topic string, payload []byte) error {
	ev, err := Decode(kind, fillFromTopic(topic, payload))
	if err != nil {
		return err
	}
	return m.sink.Submit(ctx, ev)
}

// fillFromTopic 若 topic 为 lossguard/<store>/<till>/<kind> 且消息缺字段，补全后重新编码。
func fillFromTopic(topic string, payload []byte) []byte {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return payload
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return payload
	}
	changed := false
	if s, _ := raw["store_id"].(string); s == "" && parts[1] != "" {
		raw["store_id"] = parts[1]
		changed = true
	}
	if s, _ := raw["till_id"].(string); s == "" && parts[2] != "" {
		raw["till_id"] = parts[2]
		changed = true
	}
	if !changed {
		return payload
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return payload
	}
	return out
}

// Stop 断开连接，等待在途消息最多 250ms。
func (m *MQTTSource) Stop() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(uint((250 * time.Millisecond).Milliseconds()))
	}
}
