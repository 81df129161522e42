package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀：LOSSGUARD_AUDIT_PATH 覆盖 audit.path。
const EnvPrefix = "LOSSGUARD"

// LoadEnvFile 从 path 读取 .env 风格文件（KEY=VALUE），并 set 到当前进程环境变量。
// 空行与 # 开头行忽略；不覆盖已存在的环境变量（可选：传 true 则覆盖）。
// 在 Load 之前调用，则 env 覆盖会使用 .env 中的值。
func LoadEnvFile(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
			val = strings.Trim(val, `"`)
		}
		if key == "" {
			continue
		}
		if override || os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// setDefaults 所有可被 env 覆盖的 key 都需在此登记，viper AutomaticEnv 才能在 Unmarshal 时生效。
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "lossguard")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_encoding", "json")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("correlator.window", 30*time.Second)
	v.SetDefault("correlator.min_confidence", 0.7)
	v.SetDefault("correlator.high_confidence", 0.9)
	v.SetDefault("correlator.min_delta", 1)
	v.SetDefault("correlator.sweep_interval", time.Minute)
	v.SetDefault("correlator.idle_till_ttl", 10*time.Minute)

	v.SetDefault("policy.rules_path", "")

	v.SetDefault("orchestrator.confirm_timeout", 120*time.Second)
	v.SetDefault("orchestrator.sweep_interval", 5*time.Second)
	v.SetDefault("orchestrator.persistence_path", "")
	v.SetDefault("orchestrator.execute_timeout", 10*time.Second)
	v.SetDefault("orchestrator.notify_timeout", 30*time.Second)

	v.SetDefault("audit.path", "")
	v.SetDefault("audit.fsync", false)
	v.SetDefault("audit.segment_dir", "")

	v.SetDefault("anchor.enabled", false)
	v.SetDefault("anchor.path", "")
	v.SetDefault("anchor.batch_size", 50)
	v.SetDefault("anchor.interval", 30*time.Second)

	v.SetDefault("alerts.backend", "memory")
	v.SetDefault("alerts.path", "")
	v.SetDefault("alerts.dsn", "")

	v.SetDefault("notify.backend", "log")
	v.SetDefault("notify.channel", "lossguard.confirmations")
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.base_url", "http://localhost:8080")
	v.SetDefault("notify.retry_max_attempts", 3)
	v.SetDefault("notify.retry_initial_backoff", time.Second)

	v.SetDefault("executor.backend", "log")
	v.SetDefault("executor.lmstfy.host", "")
	v.SetDefault("executor.lmstfy.port", 7777)
	v.SetDefault("executor.lmstfy.namespace", "lossguard")
	v.SetDefault("executor.lmstfy.token", "")
	v.SetDefault("executor.lmstfy.ttl", 86400)
	v.SetDefault("executor.lmstfy.tries", 3)

	v.SetDefault("ingest.shards", 8)
	v.SetDefault("ingest.buffer_size", 256)
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.pos_topic", "lossguard.pos")
	v.SetDefault("ingest.kafka.camera_topic", "lossguard.camera")
	v.SetDefault("ingest.kafka.group_id", "lossguard-correlator")
	v.SetDefault("ingest.mqtt.enabled", false)
	v.SetDefault("ingest.mqtt.broker", "")
	v.SetDefault("ingest.mqtt.client_id", "lossguard")
	v.SetDefault("ingest.mqtt.pos_topic", "lossguard/+/+/pos")
	v.SetDefault("ingest.mqtt.camera_topic", "lossguard/+/+/camera")
	v.SetDefault("ingest.mqtt.qos", 1)
}

// Load 从 path 加载 YAML 配置；path 为空时仅使用默认值与环境变量。
// 任意 key 可由 LOSSGUARD_<SECTION>_<KEY> 覆盖，如 LOSSGUARD_NOTIFY_REDIS_ADDR。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	return &c, nil
}

// Validate 校验取值范围。
func (c *Config) Validate() error {
	if c.Correlator.Window <= 0 {
		return fmt.Errorf("correlator.window must be positive")
	}
	if c.Correlator.MinConfidence < 0 || c.Correlator.MinConfidence > 1 {
		return fmt.Errorf("correlator.min_confidence must be within [0,1]")
	}
	if c.Correlator.HighConfidence < c.Correlator.MinConfidence || c.Correlator.HighConfidence > 1 {
		return fmt.Errorf("correlator.high_confidence must be within [min_confidence,1]")
	}
	if c.Correlator.MinDelta < 1 {
		return fmt.Errorf("correlator.min_delta must be >= 1")
	}
	if c.Orchestrator.ConfirmTimeout <= 0 {
		return fmt.Errorf("orchestrator.confirm_timeout must be positive")
	}
	if c.Orchestrator.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive")
	}
	switch c.Alerts.Backend {
	case "memory", "json", "mysql":
	default:
		return fmt.Errorf("alerts.backend %q unsupported", c.Alerts.Backend)
	}
	if c.Alerts.Backend == "json" && c.Alerts.Path == "" {
		return fmt.Errorf("alerts.path is required for json backend")
	}
	if c.Alerts.Backend == "mysql" && c.Alerts.DSN == "" {
		return fmt.Errorf("alerts.dsn is required for mysql backend")
	}
	if c.Notify.Backend == "redis" && c.Notify.Redis.Addr == "" {
		return fmt.Errorf("notify.redis.addr is required for redis backend")
	}
	if c.Executor.Backend == "lmstfy" && c.Executor.Lmstfy.Host == "" {
		return fmt.Errorf("executor.lmstfy.host is required for lmstfy backend")
	}
	if c.Ingest.Kafka.Enabled && len(c.Ingest.Kafka.Brokers) == 0 {
		return fmt.Errorf("ingest.kafka.brokers is required when kafka is enabled")
	}
	if c.Ingest.MQTT.Enabled && c.Ingest.MQTT.Broker == "" {
		return fmt.Errorf("ingest.mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
