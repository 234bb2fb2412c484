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

// Config 描述了 BlogPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	TaskStore TaskStoreConfig `json:"task_store"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Engine    EngineConfig    `json:"engine"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// TaskStoreConfig 描述任务状态的存储后端。
type TaskStoreConfig struct {
	Driver            string      `json:"driver"`
	DSN               string      `json:"dsn"`
	Redis             RedisConfig `json:"redis"`
	RetentionSeconds  int         `json:"retention_seconds"`
	MaxRedeliveries   int         `json:"max_redeliveries"`
	SweepEverySeconds int         `json:"sweep_every_seconds"`
}

// Retention 返回任务记录的保留时长。
func (c TaskStoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// SweepEvery 返回过期清理的执行间隔。
func (c TaskStoreConfig) SweepEvery() time.Duration {
	return time.Duration(c.SweepEverySeconds) * time.Second
}

// RedisConfig 描述 Redis 的连接参数，存储与队列共用同一结构。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	KeyPrefix string `json:"key_prefix"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// TaskQueueConfig 描述任务分发使用的消息队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// EngineConfig 描述浏览器自动化引擎的运行参数。
type EngineConfig struct {
	RegistryPath        string `json:"registry_path"`
	WorkingDir          string `json:"working_dir"`
	AttemptTimeoutSecs  int    `json:"attempt_timeout_seconds"`
	StallTimeoutSecs    int    `json:"stall_timeout_seconds"`
	CancelGraceSecs     int    `json:"cancel_grace_seconds"`
	DisableProbeCaching bool   `json:"disable_probe_caching"`
}

// AttemptTimeout 返回单次自动化尝试的总超时。
func (c EngineConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSecs) * time.Second
}

// StallTimeout 返回脚本无输出时判定挂起的超时。
func (c EngineConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSecs) * time.Second
}

// CancelGrace 返回协作取消的宽限时长，超过后强制终止。
func (c EngineConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSecs) * time.Second
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.TaskStore.Driver == "" {
		c.TaskStore.Driver = "memory"
	}
	if c.TaskStore.RetentionSeconds <= 0 {
		// 默认保留 24 小时，与调用方轮询窗口保持富余。
		c.TaskStore.RetentionSeconds = 24 * 60 * 60
	}
	if c.TaskStore.SweepEverySeconds <= 0 {
		c.TaskStore.SweepEverySeconds = 60
	}
	if c.TaskStore.MaxRedeliveries <= 0 {
		c.TaskStore.MaxRedeliveries = 3
	}
	if c.TaskStore.Redis.KeyPrefix == "" {
		c.TaskStore.Redis.KeyPrefix = "blogpilot:task:"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		// 每个 worker 占用一个浏览器会话，默认保持保守。
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "blogpilot:posts"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "blogpilot.posts"
	}

	if c.Engine.RegistryPath == "" {
		c.Engine.RegistryPath = filepath.Join(baseDir, "engines.yaml")
	} else if !filepath.IsAbs(c.Engine.RegistryPath) {
		c.Engine.RegistryPath = filepath.Join(baseDir, c.Engine.RegistryPath)
	}
	if c.Engine.WorkingDir == "" {
		c.Engine.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.Engine.WorkingDir) {
		c.Engine.WorkingDir = filepath.Join(baseDir, c.Engine.WorkingDir)
	}
	if c.Engine.AttemptTimeoutSecs <= 0 {
		c.Engine.AttemptTimeoutSecs = 300
	}
	if c.Engine.StallTimeoutSecs <= 0 {
		c.Engine.StallTimeoutSecs = 60
	}
	if c.Engine.CancelGraceSecs <= 0 {
		c.Engine.CancelGraceSecs = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
