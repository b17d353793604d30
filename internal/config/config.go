package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"AgentShield/internal/auth"
	"AgentShield/internal/events"
	"AgentShield/internal/storage/redis"
	"AgentShield/internal/storage/sqlstore"
	"AgentShield/internal/telemetry"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3"
	"AgentShield/pkg/logger"
)

// 环境变量覆盖项。
const (
	EnvStorageDSN     = "AGENTSHIELD_STORAGE_DSN"
	EnvServerAddress  = "AGENTSHIELD_SERVER_ADDRESS"
	EnvRedisPassword  = "AGENTSHIELD_REDIS_PASSWORD"
	EnvRabbitMQURL    = "AGENTSHIELD_RABBITMQ_URL"
	EnvChainRPCURL    = "AGENTSHIELD_CHAIN_RPC_URL"
	EnvDingTalkHook   = "AGENTSHIELD_DINGTALK_WEBHOOK"
	EnvSlackWebhook   = "AGENTSHIELD_SLACK_WEBHOOK"
	EnvLogLevel       = "AGENTSHIELD_LOG_LEVEL"
	EnvTracingEnabled = "AGENTSHIELD_TRACING"
)

// Config 描述了 AgentShield 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Storage   sqlstore.Config  `yaml:"storage" json:"storage"`
	Lock      LockConfig       `yaml:"lock" json:"lock"`
	Redis     redis.Config     `yaml:"redis" json:"redis"`
	Events    EventsConfig     `yaml:"events" json:"events"`
	Chain     web3.ClockConfig `yaml:"chain" json:"chain"`
	Limits    vault.Limits     `yaml:"limits" json:"limits"`
	Auth      auth.Config      `yaml:"auth" json:"auth"`
	Sweeper   SweeperConfig    `yaml:"sweeper" json:"sweeper"`
	Logging   logger.Config    `yaml:"logging" json:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
	Alerting  AlertingConfig   `yaml:"alerting" json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// LockConfig 选择金库锁实现：local 为进程内互斥，redis 为跨实例锁。
type LockConfig struct {
	Driver string `yaml:"driver" json:"driver"`
}

// EventsConfig 选择事件输出，可以同时启用多个。
type EventsConfig struct {
	// Sinks 取值 memory、log、redis、rabbitmq。
	Sinks        []string              `yaml:"sinks" json:"sinks"`
	HistoryLimit int                   `yaml:"history_limit" json:"history_limit"`
	Redis        events.RedisConfig    `yaml:"redis" json:"redis"`
	RabbitMQ     events.RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// SweeperConfig 控制过期会话的定时清理。
type SweeperConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Schedule  string `yaml:"schedule" json:"schedule"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	// Crank 是清理事务的签名地址，为空时使用内置地址。
	Crank string `yaml:"crank" json:"crank"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	MinSeverity     string `yaml:"min_severity" json:"min_severity"`
	DingTalkWebhook string `yaml:"dingtalk_webhook" json:"dingtalk_webhook"`
	SlackWebhook    string `yaml:"slack_webhook" json:"slack_webhook"`
	SlackChannel    string `yaml:"slack_channel" json:"slack_channel"`
}

// Default 返回未加载任何文件时的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(content, &cfg)
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite3" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" && baseDir != "" {
		c.Storage.DSN = "file:" + filepath.Join(baseDir, "data", "agentshield.db") + "?_busy_timeout=5000"
	}

	c.Lock.Driver = strings.ToLower(strings.TrimSpace(c.Lock.Driver))
	if c.Lock.Driver == "" {
		c.Lock.Driver = "local"
	}

	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []string{"memory", "log"}
	}
	for i, sink := range c.Events.Sinks {
		c.Events.Sinks[i] = strings.ToLower(strings.TrimSpace(sink))
	}
	if c.Events.HistoryLimit <= 0 {
		c.Events.HistoryLimit = 1024
	}

	if c.Chain.Source == "" {
		c.Chain.Source = "local"
	}
	if c.Chain.SlotDuration <= 0 {
		c.Chain.SlotDuration = 400 * time.Millisecond
	}

	def := vault.DefaultLimits()
	if c.Limits.AuditCapacity == 0 {
		c.Limits.AuditCapacity = def.AuditCapacity
	}
	if c.Limits.MaxSpendEntries == 0 {
		c.Limits.MaxSpendEntries = def.MaxSpendEntries
	}
	if c.Limits.RollingWindowSeconds == 0 {
		c.Limits.RollingWindowSeconds = def.RollingWindowSeconds
	}
	if c.Limits.SessionExpirySlots == 0 {
		c.Limits.SessionExpirySlots = def.SessionExpirySlots
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 30s"
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
}

// applyEnv 用环境变量覆盖连接串与密钥等部署相关字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStorageDSN); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup(EnvServerAddress); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup(EnvRabbitMQURL); ok && v != "" {
		c.Events.RabbitMQ.URL = v
	}
	if v, ok := lookup(EnvChainRPCURL); ok && v != "" {
		c.Chain.RPCURL = v
	}
	if v, ok := lookup(EnvDingTalkHook); ok && v != "" {
		c.Alerting.DingTalkWebhook = v
	}
	if v, ok := lookup(EnvSlackWebhook); ok && v != "" {
		c.Alerting.SlackWebhook = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvTracingEnabled); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			c.Telemetry.Enabled = true
		case "0", "false", "no", "off":
			c.Telemetry.Enabled = false
		}
	}
}

// Validate 检查互相依赖的字段与取值范围。
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空 (driver=%s)", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Lock.Driver {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("不支持的锁驱动: %s", c.Lock.Driver))
	}

	for _, sink := range c.Events.Sinks {
		switch sink {
		case "memory", "log", "redis":
		case "rabbitmq":
			if c.Events.RabbitMQ.URL == "" {
				errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
			}
		default:
			errs = append(errs, fmt.Errorf("不支持的事件输出: %s", sink))
		}
	}
	if c.UsesRedis() && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address 不能为空"))
	}

	switch c.Chain.Source {
	case "local", "manual":
	case "evm":
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url 不能为空 (source=evm)"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的时钟来源: %s", c.Chain.Source))
	}

	if c.Limits.AuditCapacity < 0 || c.Limits.MaxSpendEntries < 0 || c.Limits.RollingWindowSeconds < 0 {
		errs = append(errs, errors.New("limits 取值必须为正数"))
	}

	for _, operator := range c.Auth.Operators {
		if !common.IsHexAddress(operator) {
			errs = append(errs, fmt.Errorf("auth.operators 包含非法地址: %s", operator))
		}
	}

	if c.Sweeper.Crank != "" && !common.IsHexAddress(c.Sweeper.Crank) {
		errs = append(errs, fmt.Errorf("sweeper.crank 不是合法地址: %s", c.Sweeper.Crank))
	}

	switch strings.ToLower(c.Alerting.MinSeverity) {
	case "info", "warning", "critical":
	default:
		errs = append(errs, fmt.Errorf("不支持的告警级别: %s", c.Alerting.MinSeverity))
	}

	return errors.Join(errs...)
}

// UsesRedis 判断是否需要建立 Redis 连接。
func (c *Config) UsesRedis() bool {
	if c.Lock.Driver == "redis" {
		return true
	}
	for _, sink := range c.Events.Sinks {
		if sink == "redis" {
			return true
		}
	}
	return false
}
