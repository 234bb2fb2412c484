package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"BlogPilot/internal/api"
	"BlogPilot/internal/config"
	"BlogPilot/internal/engine"
	"BlogPilot/internal/observability/alerting"
	"BlogPilot/internal/task"
	"BlogPilot/pkg/logger"
)

// main 是 BlogPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("blogpilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BLOGPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "blogpilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	taskStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
	}()

	taskQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			log.Printf("关闭任务队列失败: %v", err)
		}
	}()

	registryCfg, err := engine.LoadRegistryConfig(cfg.Engine.RegistryPath)
	if err != nil {
		return err
	}
	engines, err := engine.Build(registryCfg, engine.Runtime{
		WorkingDir:     cfg.Engine.WorkingDir,
		AttemptTimeout: cfg.Engine.AttemptTimeout(),
		StallTimeout:   cfg.Engine.StallTimeout(),
		CancelGrace:    cfg.Engine.CancelGrace(),
	})
	if err != nil {
		return err
	}
	var selectorOpts []engine.SelectorOption
	if cfg.Engine.DisableProbeCaching {
		selectorOpts = append(selectorOpts, engine.WithoutProbeCache())
	}
	selector := engine.NewSelector(engines, selectorOpts...)

	registry := task.NewCancelRegistry()
	processor := task.NewProcessor(selector, taskStore, taskQueue, registry,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)
	taskService := task.NewService(taskStore, taskQueue, registry, cfg.TaskStore.MaxRedeliveries)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, taskService, selector)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(cfg *config.Config) (task.Store, error) {
	switch cfg.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(
			task.WithRetention(cfg.TaskStore.Retention(), cfg.TaskStore.SweepEvery()),
		), nil
	case "redis":
		return task.NewRedisStore(task.RedisStoreConfig{
			Address:   cfg.TaskStore.Redis.Address,
			Password:  cfg.TaskStore.Redis.Password,
			DB:        cfg.TaskStore.Redis.DB,
			KeyPrefix: cfg.TaskStore.Redis.KeyPrefix,
			Retention: cfg.TaskStore.Retention(),
		})
	case "mysql":
		return task.NewMySQLStore(cfg.TaskStore.DSN, cfg.TaskStore.Retention(), cfg.TaskStore.SweepEvery())
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.TaskStore.Driver)
	}
}

func buildQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}
