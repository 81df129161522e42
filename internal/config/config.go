// Package config 提供统一配置模型与加载（YAML + LOSSGUARD_ env override）。
package config

import "time"

// Config 根配置；lossguard 主进程与 auditctl 共用。
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Correlator   CorrelatorConfig   `mapstructure:"correlator"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Anchor       AnchorConfig       `mapstructure:"anchor"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Ownership    OwnershipConfig    `mapstructure:"ownership"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
}

// AppConfig 应用名与日志。
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"` // json / console
}

// ServerConfig HTTP 监听。
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"` // 如 :8080
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CorrelatorConfig 关联窗口与阈值。
type CorrelatorConfig struct {
	Window         time.Duration `mapstructure:"window"`          // 默认 30s
	MinConfidence  float64       `mapstructure:"min_confidence"`  // 默认 0.7
	HighConfidence float64       `mapstructure:"high_confidence"` // 默认 0.9，达到即 high
	MinDelta       int           `mapstructure:"min_delta"`       // 默认 1
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // 空闲 till 回收周期；0 关闭
	IdleTillTTL    time.Duration `mapstructure:"idle_till_ttl"`
}

// PolicyConfig 策略参数文件（规则表参数、热加载）。
type PolicyConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// OrchestratorConfig 确认超时与扫描周期。
type OrchestratorConfig struct {
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"` // 默认 120s
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`  // 默认 5s
	PersistencePath string        `mapstructure:"persistence_path"`
	ExecuteTimeout  time.Duration `mapstructure:"execute_timeout"`
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"` // 单次确认通知（含重试）上限，默认 30s
}

// AuditConfig 审计日志路径。
type AuditConfig struct {
	Path       string `mapstructure:"path"`        // 空则仅内存
	Fsync      bool   `mapstructure:"fsync"`       // 每条记录落盘后 fsync
	SegmentDir string `mapstructure:"segment_dir"` // 压缩归档目录；空则 <path 所在目录>/segments
}

// AnchorConfig Merkle 批次存证。
type AnchorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"` // 空则仅内存
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

// AlertsConfig 告警持久化：json 目录或 mysql。
type AlertsConfig struct {
	Backend string `mapstructure:"backend"` // memory / json / mysql
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// OwnershipConfig 门店 -> 确认人，以及按 action 类型/严重程度匹配超时。
type OwnershipConfig struct {
	StaticMap     map[string][]string `mapstructure:"static_map"` // store_id -> confirmer_ids；viper 会将 key 转为小写
	DefaultIDs    []string            `mapstructure:"default_ids"`
	ApprovalRules []ApprovalRule      `mapstructure:"approval_rules"`
}

// ApprovalRule 单条确认规则；空字段表示通配。
type ApprovalRule struct {
	ActionType   string        `mapstructure:"action_type"`
	Severity     string        `mapstructure:"severity"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ConfirmerIDs []string      `mapstructure:"confirmer_ids"`
}

// NotifyConfig 确认请求通知；redis 发布到频道，由外部投递服务消费。
type NotifyConfig struct {
	Backend             string        `mapstructure:"backend"` // log / redis
	Redis               RedisConfig   `mapstructure:"redis"`
	Channel             string        `mapstructure:"channel"`
	BaseURL             string        `mapstructure:"base_url"` // 消息中批准/拒绝链接的前缀
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryInitialBackoff time.Duration `mapstructure:"retry_initial_backoff"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExecutorConfig 执行器；lmstfy 时按 action 类型投递到队列。
type ExecutorConfig struct {
	Backend string            `mapstructure:"backend"` // log / lmstfy
	Lmstfy  LmstfyConfig      `mapstructure:"lmstfy"`
	Queues  map[string]string `mapstructure:"queues"` // action_type -> queue
}

// LmstfyConfig Lmstfy 配置
type LmstfyConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
	TTL       uint32 `mapstructure:"ttl"`
	Tries     uint16 `mapstructure:"tries"`
}

// IngestConfig 传感器接入：HTTP 之外可选 kafka / mqtt。
type IngestConfig struct {
	Shards     int         `mapstructure:"shards"`
	BufferSize int         `mapstructure:"buffer_size"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
	MQTT       MQTTConfig  `mapstructure:"mqtt"`
}

// KafkaConfig POS / 摄像头 topic。
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	POSTopic    string   `mapstructure:"pos_topic"`
	CameraTopic string   `mapstructure:"camera_topic"`
	GroupID     string   `mapstructure:"group_id"`
}

// MQTTConfig 摄像头节点通常走 MQTT。
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	POSTopic    string `mapstructure:"pos_topic"`
	CameraTopic string `mapstructure:"camera_topic"`
	QoS         byte   `mapstructure:"qos"`
}
