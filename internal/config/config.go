package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Auth     AuthConfig     `json:"auth"`
	Resolver ResolverConfig `json:"resolver"`
	Executor ExecutorConfig `json:"executor"`
	Backends BackendsConfig `json:"backends"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	Workers int    `json:"workers"`
}

// StorageConfig 描述操作状态存储的驱动与连接信息。
type StorageConfig struct {
	OperationStore OperationStoreConfig `json:"operation_store"`
}

// OperationStoreConfig 支持 memory 与 mysql 两种驱动。
type OperationStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述操作队列的驱动与连接信息,支持
// memory、redis、rabbitmq 三种驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// AuthConfig 控制鉴权模式、签名密钥与种子账号。
type AuthConfig struct {
	Mode          string       `json:"mode"`
	Secret        string       `json:"secret"`
	SessionTTL    Duration     `json:"session_ttl"`
	SweepInterval Duration     `json:"sweep_interval"`
	Seeds         []SeedConfig `json:"seeds"`
}

// SeedConfig 描述启动时注入的账号。
type SeedConfig struct {
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Disabled     bool     `json:"disabled"`
}

// ResolverConfig 控制指令解析的置信度参数。
type ResolverConfig struct {
	ConfidenceHigh      float64 `json:"confidence_high"`
	ConfidenceMedium    float64 `json:"confidence_medium"`
	ConfidenceAmbiguous float64 `json:"confidence_ambiguous"`
	MaxRetries          int     `json:"max_retries"`
	LexiconPath         string  `json:"lexicon_path"`
}

// ExecutorConfig 控制执行器的重试策略。
type ExecutorConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	RetryDelay  Duration `json:"retry_delay"`
}

// BackendsConfig 指向执行后端目录文件。
type BackendsConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// LoggingConfig 控制日志级别、格式与审计通道。
type LoggingConfig struct {
	Level       string        `json:"level"`
	Format      string        `json:"format"`
	OutputPaths []string      `json:"output_paths"`
	Audit       ChannelConfig `json:"audit"`
	Security    ChannelConfig `json:"security"`
}

// ChannelConfig 描述一个带轮转的独立日志通道。
type ChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Duration 允许在 JSON 中用 "30s" 这样的字符串表示时长。
type Duration time.Duration

// UnmarshalJSON 同时接受字符串时长与纳秒数字。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("解析时长失败: %w", err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	default:
		return fmt.Errorf("时长字段类型无效: %T", raw)
	}
	return nil
}

// MarshalJSON 输出字符串形式的时长。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库的时长类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load 解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 4
	}

	if c.Storage.OperationStore.Driver == "" {
		c.Storage.OperationStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 128
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "token"
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = Duration(24 * time.Hour)
	}
	if c.Auth.SweepInterval <= 0 {
		c.Auth.SweepInterval = Duration(10 * time.Minute)
	}

	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.RetryDelay <= 0 {
		c.Executor.RetryDelay = Duration(time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Resolver.LexiconPath != "" && !filepath.IsAbs(c.Resolver.LexiconPath) {
		c.Resolver.LexiconPath = filepath.Join(baseDir, c.Resolver.LexiconPath)
	}

	if c.Backends.CatalogPath != "" && !filepath.IsAbs(c.Backends.CatalogPath) {
		c.Backends.CatalogPath = filepath.Join(baseDir, c.Backends.CatalogPath)
	}
}

// validate 拦截明显不可用的组合,避免带病启动。
func (c *Config) validate() error {
	switch c.Storage.OperationStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.OperationStore.DSN == "" {
			return errors.New("mysql 驱动需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的操作存储驱动: %s", c.Storage.OperationStore.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if c.Auth.Secret == "" {
			return errors.New("token 鉴权模式需要配置 secret")
		}
	default:
		return fmt.Errorf("未知的鉴权模式: %s", c.Auth.Mode)
	}

	return nil
}
