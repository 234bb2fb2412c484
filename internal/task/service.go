package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "BlogPilot/internal/errors"
	"BlogPilot/pkg/logger"
)

// Service 负责发帖任务的创建、查询与取消。
type Service struct {
	store           Store
	producer        Producer
	registry        *CancelRegistry
	maxRedeliveries int
}

// NewService 构造任务服务。registry 用于向本进程内执行中的任务转发取消信号，
// 纯 API 节点可以传 nil。
func NewService(store Store, producer Producer, registry *CancelRegistry, maxRedeliveries int) *Service {
	if maxRedeliveries <= 0 {
		maxRedeliveries = 3
	}
	return &Service{store: store, producer: producer, registry: registry, maxRedeliveries: maxRedeliveries}
}

// Submit 创建一个新的发帖任务并推送到队列。
// 凭据只进入队列消息，不写入任务存储。入队失败时任务立即转入失败终态，
// 调用方不会拿到一个永远停在 pending 的任务。
func (s *Service) Submit(ctx context.Context, req PostRequest) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	task := &Task{
		ID:              taskID,
		Title:           req.Post.Title,
		Category:        req.Post.Category,
		Tags:            req.Post.Tags,
		Status:          StatusPending,
		Attempts:        0,
		MaxRedeliveries: s.maxRedeliveries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}

	env := Envelope{TaskID: taskID, Post: req.Post, Account: req.Account}
	if err := s.producer.Publish(ctx, env); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), "")
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("title", task.Title),
		slog.Any("account", req.Account),
		slog.Int("max_redeliveries", task.MaxRedeliveries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消任务。pending 任务立即进入 cancelled；
// in_progress 任务打上取消标记，并向本进程执行中的尝试直接转发信号，
// 跨进程的 worker 则依赖轮询存储上的标记。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return task, err
	}
	if s.registry != nil {
		s.registry.Signal(id)
	}
	logger.Audit().Info("任务取消请求",
		slog.String("task_id", id),
		slog.String("status", string(task.Status)),
	)
	return task, nil
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilTerminal 在指定超时时间内轮询任务，直到它到达终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(task.Status) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
