package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 描述了 vaultd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Chain    ChainConfig    `json:"chain" yaml:"chain"`
	Keystore KeystoreConfig `json:"keystore" yaml:"keystore"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Approval ApprovalConfig `json:"approval" yaml:"approval"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
	Sweeper  SweeperConfig  `json:"sweeper" yaml:"sweeper"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address" env:"VAULTD_ADDRESS"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" env:"VAULTD_METRICS_ADDRESS"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"VAULTD_STORAGE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"VAULTD_STORAGE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述唤醒队列的驱动选择。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver" env:"VAULTD_QUEUE_DRIVER"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Workers  int            `json:"workers" yaml:"workers"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address" env:"VAULTD_REDIS_ADDRESS"`
	Password  string `json:"password" yaml:"password" env:"VAULTD_REDIS_PASSWORD"`
	DB        int    `json:"db" yaml:"db"`
	Queue     string `json:"queue" yaml:"queue"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 的连接参数，同时服务唤醒队列和事件总线。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url" env:"VAULTD_RABBITMQ_URL"`
	Queue    string `json:"queue" yaml:"queue"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
type ChainConfig struct {
	RPCURL          string `json:"rpc_url" yaml:"rpc_url" env:"VAULTD_CHAIN_RPC_URL"`
	ChainID         int64  `json:"chain_id" yaml:"chain_id"`
	Confirmations   uint64 `json:"confirmations" yaml:"confirmations"`
	ConfirmTimeout  int    `json:"confirm_timeout_seconds" yaml:"confirm_timeout_seconds"`
	ConfirmInterval int    `json:"confirm_interval_seconds" yaml:"confirm_interval_seconds"`
}

// KeystoreConfig 描述私钥仓库的位置与解锁口令来源。
type KeystoreConfig struct {
	Dir               string `json:"dir" yaml:"dir" env:"VAULTD_KEYSTORE_DIR"`
	MasterPasswordEnv string `json:"master_password_env" yaml:"master_password_env"`
}

// SessionConfig 配置智能体会话令牌的签发参数。
type SessionConfig struct {
	Secret     string `json:"secret" yaml:"secret" env:"VAULTD_SESSION_SECRET"`
	Issuer     string `json:"issuer" yaml:"issuer"`
	TTLSeconds int64  `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// ApprovalConfig 控制 APPROVAL 档交易的审批参数。
type ApprovalConfig struct {
	TimeoutSeconds int64  `json:"timeout_seconds" yaml:"timeout_seconds"`
	RequiredBy     string `json:"required_by" yaml:"required_by"`
}

// BreakerConfig 配置熔断器的恢复口令来源。
type BreakerConfig struct {
	RecoverKeyEnv string `json:"recover_key_env" yaml:"recover_key_env"`
}

// SweeperConfig 控制延迟队列与审批超时扫描的节奏。
type SweeperConfig struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`
}

// NotifyConfig 描述通知渠道的出口地址。
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" env:"VAULTD_NOTIFY_WEBHOOK"`
}

// LoggingConfig 控制日志与审计输出。
type LoggingConfig struct {
	Level         string   `json:"level" yaml:"level" env:"VAULTD_LOG_LEVEL"`
	Format        string   `json:"format" yaml:"format"`
	OutputPaths   []string `json:"output_paths" yaml:"output_paths"`
	AuditEnabled  bool     `json:"audit_enabled" yaml:"audit_enabled"`
	AuditPath     string   `json:"audit_path" yaml:"audit_path"`
	AuditMaxSize  int      `json:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditBackups  int      `json:"audit_max_backups" yaml:"audit_max_backups"`
	AuditMaxDays  int      `json:"audit_max_age_days" yaml:"audit_max_age_days"`
}

// Load 负责解析指定路径的配置文件，并叠加环境变量覆盖。
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
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 1
	}
	if c.Chain.ConfirmTimeout <= 0 {
		c.Chain.ConfirmTimeout = 120
	}
	if c.Chain.ConfirmInterval <= 0 {
		c.Chain.ConfirmInterval = 2
	}
	if c.Keystore.MasterPasswordEnv == "" {
		c.Keystore.MasterPasswordEnv = "VAULTD_MASTER_PASSWORD"
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = "vaultd"
	}
	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 3600
	}
	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = 3600
	}
	if c.Breaker.RecoverKeyEnv == "" {
		c.Breaker.RecoverKeyEnv = "VAULTD_RECOVER_KEY"
	}
	if c.Sweeper.IntervalSeconds <= 0 {
		c.Sweeper.IntervalSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
