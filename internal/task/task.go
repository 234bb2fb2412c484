package task

import (
	xerrors "BlogPilot/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// PostResult 保存一次发帖成功的产出。
type PostResult struct {
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	PostedAt int64  `json:"posted_at,omitempty"`
}

// Task 描述了排队执行的发帖任务。
// 账号凭据不属于该结构：它们只经由队列消息（Envelope）抵达 worker，
// 绝不写入任务存储。
type Task struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Category        string      `json:"category,omitempty"`
	Tags            string      `json:"tags,omitempty"`
	Status          Status      `json:"status"`
	Progress        int         `json:"progress"`
	Stage           string      `json:"stage,omitempty"`
	Result          *PostResult `json:"result,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	EngineUsed      string      `json:"engine_used,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	Attempts        int         `json:"attempts"`
	MaxRedeliveries int         `json:"max_redeliveries"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在或已按保留策略过期。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务已被其他 worker 领取。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task already claimed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskTerminal 表示任务已处于终态，所请求的操作不再合法。
	ErrTaskTerminal = xerrors.New(CodeTaskInvalidState, "task already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskCancelled 表示任务已被取消，不应再被执行。
	ErrTaskCancelled = xerrors.New(CodeTaskCancelled, "task cancelled", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重投次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task redeliveries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict     xerrors.Code = "TASK_CONFLICT"
	CodeTaskInvalidState xerrors.Code = "TASK_INVALID_STATE"
	CodeTaskCancelled    xerrors.Code = "TASK_CANCELLED"
	CodeTaskExhausted    xerrors.Code = "TASK_REDELIVERY_EXHAUSTED"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish      xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing   xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task already claimed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskInvalidState, xerrors.Attributes{
		Message:   "operation not allowed in current task state",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCancelled, xerrors.Attributes{
		Message:   "task cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "task redeliveries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定错误码的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return xerrors.CodeOf(err) == target
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态之后任务不再发生任何状态迁移。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition 给出状态机允许的迁移边。
// pending → failed 仅用于入队失败与重投耗尽两种调度期失败。
// 其余一切非法迁移都应当制造响亮的错误，而不是悄悄覆盖状态。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// transitionError 为非法状态迁移生成统一错误。
func transitionError(id string, from, to Status) error {
	if IsTerminal(from) {
		return xerrors.Wrap(CodeTaskInvalidState, ErrTaskTerminal,
			"任务 "+id+" 已处于终态 "+string(from),
			xerrors.WithMetadata("from", string(from)),
			xerrors.WithMetadata("to", string(to)))
	}
	return xerrors.New(CodeTaskInvalidState,
		"任务 "+id+" 不允许从 "+string(from)+" 迁移到 "+string(to),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)))
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	return &clone
}
