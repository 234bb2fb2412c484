package task

import (
	"context"

	xerrors "BlogPilot/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// 写侧所有权：执行期间只有领取了任务的 worker 写 status/progress/result，
// Claim 对非 pending 任务的拒绝与 broker 的投递语义共同保证这一点。
// 读侧原子性：调用方读到的永远是完整的记录，绝不出现写了一半的状态。
// 保留策略：记录超过配置的 TTL 后由存储自行清理，Get 视同不存在。
type Store interface {
	// Create 写入一条新的 pending 记录，ID 冲突返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	// Get 返回任务的当前快照，不存在或已过期返回 ErrTaskNotFound。
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将 pending 任务迁移到 in_progress 并记一次领取。
	// 已被领取返回 ErrTaskConflict，已取消返回 ErrTaskCancelled，
	// 已终态返回 ErrTaskTerminal，重投耗尽返回 ErrTaskExhausted。
	// broker 崩溃重投时这里的状态检查保证不会二次执行。
	Claim(ctx context.Context, id string) (*Task, error)
	// SetProgress 记录 in_progress 任务的检查点进度。
	// 进度只增不减，小于当前值的更新被忽略。
	SetProgress(ctx context.Context, id string, progress int, stage string) error
	// RequestCancel 处理调用方的取消请求：pending 直接迁移到 cancelled；
	// in_progress 仅打上取消标记，由执行中的尝试在检查点协作退出；
	// 终态返回 ErrTaskTerminal。返回更新后的快照。
	RequestCancel(ctx context.Context, id string) (*Task, error)
	// MarkCompleted 写入成功终态，progress 固定为 100。
	MarkCompleted(ctx context.Context, id string, result PostResult, engineUsed string) error
	// MarkFailed 写入失败终态。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, engineUsed string) error
	// MarkCancelled 写入取消终态，由观察到取消标志的 worker 调用。
	MarkCancelled(ctx context.Context, id string) error
	// List 返回符合过滤条件的任务。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 统计符合过滤条件的任务数量。
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
