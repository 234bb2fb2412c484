package task

import (
	"context"
	"sync"
	"time"

	xerrors "BlogPilot/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	retention  time.Duration
	sweepEvery time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// MemoryStoreOption 定义可选配置。
type MemoryStoreOption func(*MemoryStore)

// WithRetention 启用 TTL 保留策略：超过 ttl 未更新的记录按 interval 周期清理。
func WithRetention(ttl, interval time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.retention = ttl
		m.sweepEvery = interval
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		tasks: make(map[string]*Task),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.retention > 0 {
		if m.sweepEvery <= 0 {
			m.sweepEvery = time.Minute
		}
		go m.sweepLoop(m.sweepEvery)
	}
	return m
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now().Unix())
		}
	}
}

func (m *MemoryStore) sweep(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.tasks {
		if m.expired(task, now) {
			delete(m.tasks, id)
		}
	}
}

// expired 只对终态记录生效：pending 和 in_progress 的任务还在流转，
// 保留策略不能把它们从调用方眼皮底下清掉。
func (m *MemoryStore) expired(task *Task, now int64) bool {
	if m.retention <= 0 || !IsTerminal(task.Status) {
		return false
	}
	return now-task.UpdatedAt > int64(m.retention/time.Second)
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务快照。过期记录视同不存在。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok || m.expired(task, time.Now().Unix()) {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// locked 在写锁内查找任务并执行变更。
func (m *MemoryStore) locked(id string, fn func(task *Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || m.expired(task, time.Now().Unix()) {
		return nil, ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Claim 将 pending 任务迁移到 in_progress。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.locked(id, func(task *Task) error {
		switch task.Status {
		case StatusInProgress:
			return ErrTaskConflict
		case StatusCancelled:
			return ErrTaskCancelled
		case StatusCompleted, StatusFailed:
			return ErrTaskTerminal
		}
		if task.MaxRedeliveries > 0 && task.Attempts >= task.MaxRedeliveries {
			return ErrTaskExhausted
		}
		task.Status = StatusInProgress
		task.Attempts++
		task.LastError = ""
		task.ErrorCode = ""
		return nil
	})
}

// SetProgress 记录检查点进度，只增不减。
func (m *MemoryStore) SetProgress(_ context.Context, id string, progress int, stage string) error {
	_, err := m.locked(id, func(task *Task) error {
		if task.Status != StatusInProgress {
			return transitionError(id, task.Status, StatusInProgress)
		}
		if progress > task.Progress {
			task.Progress = progress
			task.Stage = stage
		}
		return nil
	})
	return err
}

// RequestCancel 处理调用方的取消请求。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (*Task, error) {
	return m.locked(id, func(task *Task) error {
		switch task.Status {
		case StatusPending:
			// 尚未派发，直接取消，Claim 之后会拒绝执行。
			task.Status = StatusCancelled
			task.CancelRequested = true
			return nil
		case StatusInProgress:
			task.CancelRequested = true
			return nil
		default:
			return transitionError(id, task.Status, StatusCancelled)
		}
	})
}

// MarkCompleted 写入成功终态。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result PostResult, engineUsed string) error {
	_, err := m.locked(id, func(task *Task) error {
		if !CanTransition(task.Status, StatusCompleted) {
			return transitionError(id, task.Status, StatusCompleted)
		}
		task.Status = StatusCompleted
		task.Progress = 100
		task.Result = &result
		task.LastError = ""
		task.ErrorCode = ""
		task.EngineUsed = engineUsed
		return nil
	})
	return err
}

// MarkFailed 写入失败终态。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, engineUsed string) error {
	_, err := m.locked(id, func(task *Task) error {
		if !CanTransition(task.Status, StatusFailed) {
			return transitionError(id, task.Status, StatusFailed)
		}
		task.Status = StatusFailed
		task.Result = nil
		task.LastError = lastError
		task.ErrorCode = string(code)
		if engineUsed != "" {
			task.EngineUsed = engineUsed
		}
		return nil
	})
	return err
}

// MarkCancelled 写入取消终态。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	_, err := m.locked(id, func(task *Task) error {
		if task.Status == StatusCancelled {
			return nil
		}
		if !CanTransition(task.Status, StatusCancelled) {
			return transitionError(id, task.Status, StatusCancelled)
		}
		task.Status = StatusCancelled
		return nil
	})
	return err
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	now := time.Now().Unix()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if m.expired(task, now) || !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sortTasks(results, opts.Order)

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	now := time.Now().Unix()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if m.expired(task, now) || !matchesListFilters(task, opts) {
			continue
		}
		stats.observe(task)
	}
	return stats, nil
}

// Close 停止后台清理协程。
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
