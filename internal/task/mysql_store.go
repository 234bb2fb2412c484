package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "BlogPilot/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db        *sql.DB
	retention time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMySQLStore 创建一个新的 MySQLStore。
// retention 大于零时后台按 sweepEvery 周期清理过期终态记录。
func NewMySQLStore(dsn string, retention, sweepEvery time.Duration) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db, retention: retention, stop: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if retention > 0 {
		if sweepEvery <= 0 {
			sweepEvery = time.Minute
		}
		go store.purgeLoop(sweepEvery)
	}
	return store, nil
}

// purgeLoop 按保留策略删除过期的终态记录。
func (s *MySQLStore) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention).Unix()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = s.db.ExecContext(ctx,
				`DELETE FROM post_tasks WHERE updated_at < ? AND status IN (?, ?, ?)`,
				cutoff, StatusCompleted, StatusFailed, StatusCancelled)
			cancel()
		}
	}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
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

	const stmt = `INSERT INTO post_tasks
        (id, title, category, tags, status, progress, stage, cancel_requested, attempts, max_redeliveries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Title,
		task.Category,
		task.Tags,
		task.Status,
		task.Progress,
		task.Stage,
		task.Attempts,
		task.MaxRedeliveries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, title, category, tags, status, progress, stage, cancel_requested, attempts, max_redeliveries,
        last_error, error_code, engine_used, result_url, result_title, result_message, result_posted_at, created_at, updated_at`

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var task Task
	var result PostResult
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Category,
		&task.Tags,
		&task.Status,
		&task.Progress,
		&task.Stage,
		&task.CancelRequested,
		&task.Attempts,
		&task.MaxRedeliveries,
		&task.LastError,
		&task.ErrorCode,
		&task.EngineUsed,
		&result.URL,
		&result.Title,
		&result.Message,
		&result.PostedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if result.URL != "" || result.Title != "" || result.Message != "" || result.PostedAt != 0 {
		task.Result = &result
	}
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM post_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将 pending 任务迁移到 in_progress 并返回最新状态。
// 带状态条件的 UPDATE 在数据库侧保证同一任务只被一个 worker 领取。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE post_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND (max_redeliveries = 0 OR attempts < max_redeliveries)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusInProgress,
		now,
		id,
		StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch task.Status {
		case StatusInProgress:
			return task, ErrTaskConflict
		case StatusCancelled:
			return task, ErrTaskCancelled
		case StatusCompleted, StatusFailed:
			return task, ErrTaskTerminal
		default:
			if task.MaxRedeliveries > 0 && task.Attempts >= task.MaxRedeliveries {
				return task, ErrTaskExhausted
			}
			return task, ErrTaskConflict
		}
	}
	return s.Get(ctx, id)
}

// SetProgress 记录检查点进度。GREATEST 保证进度只增不减。
// stage 赋值放在 progress 之前：MySQL 按从左到右求值，
// 这样 IF 比较的是更新前的进度，滞后的进度事件不会覆盖 stage。
func (s *MySQLStore) SetProgress(ctx context.Context, id string, progress int, stage string) error {
	const stmt = `UPDATE post_tasks SET stage = IF(? > progress, ?, stage),
        progress = GREATEST(progress, ?), updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, progress, stage, progress, now, id, StatusInProgress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务进度失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status != StatusInProgress {
			return transitionError(id, task.Status, StatusInProgress)
		}
	}
	return nil
}

// RequestCancel 处理调用方的取消请求。
func (s *MySQLStore) RequestCancel(ctx context.Context, id string) (*Task, error) {
	now := time.Now().Unix()

	// pending 直接进入 cancelled，Claim 之后会拒绝执行。
	res, err := s.db.ExecContext(ctx,
		`UPDATE post_tasks SET status = ?, cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		StatusCancelled, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return s.Get(ctx, id)
	}

	// in_progress 仅打取消标记，由执行中的尝试在检查点协作退出。
	res, err = s.db.ExecContext(ctx,
		`UPDATE post_tasks SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?`,
		now, id, StatusInProgress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记取消失败")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return s.Get(ctx, id)
	}

	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return task, transitionError(id, task.Status, StatusCancelled)
}

// MarkCompleted 将任务标记为成功。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result PostResult, engineUsed string) error {
	const stmt = `UPDATE post_tasks SET status = ?, progress = 100, result_url = ?, result_title = ?,
        result_message = ?, result_posted_at = ?, engine_used = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCompleted,
		result.URL,
		result.Title,
		result.Message,
		result.PostedAt,
		engineUsed,
		now,
		id,
		StatusInProgress,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.transitionFailure(ctx, id, StatusCompleted)
	}
	return nil
}

// MarkFailed 将任务标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, engineUsed string) error {
	const stmt = `UPDATE post_tasks SET status = ?, last_error = ?, error_code = ?,
        engine_used = IF(? = '', engine_used, ?), updated_at = ? WHERE id = ? AND status IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		engineUsed,
		engineUsed,
		now,
		id,
		StatusPending,
		StatusInProgress,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.transitionFailure(ctx, id, StatusFailed)
	}
	return nil
}

// MarkCancelled 写入取消终态。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) error {
	const stmt = `UPDATE post_tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusCancelled,
		now,
		id,
		StatusPending,
		StatusInProgress,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务取消失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		task, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == StatusCancelled {
			return nil
		}
		return transitionError(id, task.Status, StatusCancelled)
	}
	return nil
}

// transitionFailure 为条件 UPDATE 未命中任何行的情况生成错误。
func (s *MySQLStore) transitionFailure(ctx context.Context, id string, target Status) error {
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return transitionError(id, task.Status, target)
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM post_tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS in_progress,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM post_tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusInProgress), string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InProgress,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接并停止清理协程。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return s.db.Close()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR title LIKE ?)")
		args = append(args, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
