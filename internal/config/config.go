package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/recovery"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINFLOW_CONFIG"

// DefaultPath 是未显式指定时的配置文件路径。
const DefaultPath = "configs/config.json"

// Config 是守护进程的全量配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Store      StoreConfig      `json:"store"`
	Queue      QueueConfig      `json:"queue"`
	Agent      AgentConfig      `json:"agent"`
	Chains     ChainsConfig     `json:"chains"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Execution  ExecutionConfig  `json:"execution"`
	Validation ValidationConfig `json:"validation"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// ServerConfig 描述 HTTP 服务参数。
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ReadTimeoutMS  int64  `json:"read_timeout_ms"`
	WriteTimeoutMS int64  `json:"write_timeout_ms"`
}

// Addr 返回监听地址。
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LoggerConfig 转换为 pkg/logger 的配置结构。
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    c.Audit.Enabled,
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
			MaxAgeDays: c.Audit.MaxAgeDays,
		},
	}
}

// StoreConfig 选择会话存储驱动。
type StoreConfig struct {
	// Driver 取值 memory、mysql 或 sqlite。
	Driver string `json:"driver"`
	MySQL  struct {
		DSN               string `json:"dsn"`
		MaxOpenConns      int    `json:"max_open_conns"`
		MaxIdleConns      int    `json:"max_idle_conns"`
		ConnMaxLifetimeMS int64  `json:"conn_max_lifetime_ms"`
	} `json:"mysql"`
	SQLite struct {
		Path string `json:"path"`
	} `json:"sqlite"`
}

// MySQLConfig 转换为存储层的 MySQL 配置。
func (c StoreConfig) MySQLConfig() session.MySQLConfig {
	return session.MySQLConfig{
		DSN:             c.MySQL.DSN,
		MaxOpenConns:    c.MySQL.MaxOpenConns,
		MaxIdleConns:    c.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.MySQL.ConnMaxLifetimeMS) * time.Millisecond,
	}
}

// QueueConfig 选择归并队列驱动。
type QueueConfig struct {
	// Driver 取值 memory、redis 或 rabbitmq。
	Driver string                    `json:"driver"`
	Depth  int                       `json:"depth"`
	Redis  session.RedisQueueConfig  `json:"redis"`
	Rabbit session.RabbitQueueConfig `json:"rabbitmq"`
}

// AgentConfig 选择被评估的智能体实现。
type AgentConfig struct {
	// Provider 取值 scripted 或 langchain。
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// ChainsConfig 指定仿真链定义。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	// Active 是本次评估使用的链名。
	Active string `json:"active"`
}

// RecoveryConfig 映射到恢复引擎配置，时长以毫秒计。
type RecoveryConfig struct {
	BaseDelayMS           int64   `json:"base_delay_ms"`
	MaxDelayMS            int64   `json:"max_delay_ms"`
	Multiplier            float64 `json:"multiplier"`
	MaxAttempts           int     `json:"max_attempts"`
	BudgetMS              int64   `json:"budget_ms"`
	EnableAlternatives    *bool   `json:"enable_alternatives,omitempty"`
	EnableUserFulfillment bool    `json:"enable_user_fulfillment"`
	AlternativesPath      string  `json:"alternatives_path"`
}

// EngineConfig 转换为恢复引擎配置。
func (c RecoveryConfig) EngineConfig() recovery.Config {
	return recovery.Config{
		BaseDelay:             time.Duration(c.BaseDelayMS) * time.Millisecond,
		MaxDelay:              time.Duration(c.MaxDelayMS) * time.Millisecond,
		Multiplier:            c.Multiplier,
		MaxAttempts:           c.MaxAttempts,
		Budget:                time.Duration(c.BudgetMS) * time.Millisecond,
		EnableAlternatives:    c.EnableAlternatives,
		EnableUserFulfillment: c.EnableUserFulfillment,
	}
}

// ExecutionConfig 描述执行与归并等待参数。
type ExecutionConfig struct {
	StepTimeoutMS       int64  `json:"step_timeout_ms"`
	ConsolidationWaitMS int64  `json:"consolidation_wait_ms"`
	DefaultProtocol     string `json:"default_protocol"`
}

// ValidationConfig 指定标准答案包文件。
type ValidationConfig struct {
	BundlesPath string `json:"bundles_path"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// Load 读取并解析配置文件。path 为空时依次回落到环境变量与默认路径。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败: "+path)
	}
	cfg := &Config{}
	if err := json.Unmarshal(content, cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置文件失败: "+path)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回全默认配置，供测试与单机评估使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS <= 0 {
		c.Server.ReadTimeoutMS = 15000
	}
	if c.Server.WriteTimeoutMS <= 0 {
		// 同步等待归并最长 60s，写超时要给足余量。
		c.Server.WriteTimeoutMS = 90000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "scripted"
	}
	if c.Chains.Active == "" {
		c.Chains.Active = "local"
	}
	if c.Execution.StepTimeoutMS <= 0 {
		c.Execution.StepTimeoutMS = 15000
	}
	if c.Execution.ConsolidationWaitMS <= 0 {
		c.Execution.ConsolidationWaitMS = 60000
	}
	if c.Alerting.TimeoutMS <= 0 {
		c.Alerting.TimeoutMS = 5000
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的存储驱动: "+c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的队列驱动: "+c.Queue.Driver)
	}
	switch c.Agent.Provider {
	case "scripted", "langchain":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的智能体实现: "+c.Agent.Provider)
	}
	if c.Store.Driver == "mysql" && c.Store.MySQL.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "mysql 驱动缺少 DSN")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLite.Path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "sqlite 驱动缺少路径")
	}
	return nil
}

// StepTimeout 返回步骤时限。
func (c ExecutionConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMS) * time.Millisecond
}

// ConsolidationWait 返回归并等待时限。
func (c ExecutionConfig) ConsolidationWait() time.Duration {
	return time.Duration(c.ConsolidationWaitMS) * time.Millisecond
}
