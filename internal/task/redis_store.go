package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "BlogPilot/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// Retention 为终态记录的保留时长，由 Redis 的键 TTL 负责清理。
	Retention time.Duration
}

// RedisStore 使用 Redis 保存任务状态，记录以 JSON 序列化后写入。
// 更新走 WATCH 乐观事务，保证状态检查与写入之间没有竞争窗口。
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore 创建 RedisStore。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "blogpilot:task:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
	}
	return &RedisStore{client: client, prefix: prefix, retention: cfg.Retention}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

// ttlFor 只给终态记录设置过期时间；非终态记录写入时 TTL 为 0，
// 顺带清掉可能残留的旧 TTL，任务不会在流转中途凭空消失。
func (s *RedisStore) ttlFor(status Status) time.Duration {
	if s.retention > 0 && IsTerminal(status) {
		return s.retention
	}
	return 0
}

// Create 写入一条新的 pending 记录。SETNX 语义保证 ID 冲突可见。
func (s *RedisStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	payload, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	ok, err := s.client.SetNX(ctx, s.key(task.ID), payload, s.ttlFor(task.Status)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	if !ok {
		return ErrTaskConflict
	}
	return nil
}

// Get 返回任务快照。键因 TTL 过期后与不存在等价。
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	return &task, nil
}

// update 在 WATCH 事务内读取、变更并写回任务。
// 并发写导致事务失败时重试，变更函数返回的业务错误原样透出。
func (s *RedisStore) update(ctx context.Context, id string, fn func(task *Task) error) (*Task, error) {
	key := s.key(id)
	var updated *Task

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				return ErrTaskNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		if err := fn(&task); err != nil {
			updated = &task
			return err
		}
		task.UpdatedAt = time.Now().Unix()
		payload, err := json.Marshal(&task)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
		}
		updated = &task
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttlFor(task.Status))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}
	return nil, xerrors.New(xerrors.CodeStorageFailure, "任务更新冲突重试耗尽",
		xerrors.WithMetadata("task_id", id))
}

// Claim 将 pending 任务迁移到 in_progress。
func (s *RedisStore) Claim(ctx context.Context, id string) (*Task, error) {
	return s.update(ctx, id, func(task *Task) error {
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
func (s *RedisStore) SetProgress(ctx context.Context, id string, progress int, stage string) error {
	_, err := s.update(ctx, id, func(task *Task) error {
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
func (s *RedisStore) RequestCancel(ctx context.Context, id string) (*Task, error) {
	return s.update(ctx, id, func(task *Task) error {
		switch task.Status {
		case StatusPending:
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
func (s *RedisStore) MarkCompleted(ctx context.Context, id string, result PostResult, engineUsed string) error {
	_, err := s.update(ctx, id, func(task *Task) error {
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
func (s *RedisStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, engineUsed string) error {
	_, err := s.update(ctx, id, func(task *Task) error {
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
func (s *RedisStore) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(task *Task) error {
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

// scanAll 遍历前缀下的全部任务键并解析记录。
func (s *RedisStore) scanAll(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				// 键在 SCAN 与 GET 之间过期。
				continue
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	if err := iter.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务键失败")
	}
	return tasks, nil
}

// List 返回符合过滤条件的任务。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	all, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Task, 0, len(all))
	for _, task := range all {
		if matchesListFilters(task, opts) {
			results = append(results, task)
		}
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

// Stats 统计符合过滤条件的任务数量。
func (s *RedisStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	all, err := s.scanAll(ctx)
	if err != nil {
		return TaskStats{}, err
	}

	stats := TaskStats{}
	for _, task := range all {
		if matchesListFilters(task, opts) {
			stats.observe(task)
		}
	}
	return stats, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
