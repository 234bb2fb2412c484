package engine

import (
	"context"

	xerrors "BlogPilot/internal/errors"
)

// Request 描述一次发帖尝试所需的全部输入。
// 账号凭据仅在进程内存与桥接脚本的 stdin 之间流转，绝不落盘、绝不写日志。
type Request struct {
	Title           string
	Content         string
	Category        string
	Tags            string
	AccountID       string
	AccountPassword string
}

// Result 保存一次成功发帖的产出。
type Result struct {
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	PostedAt int64  `json:"posted_at,omitempty"`
}

// ProgressSink 在既定检查点上报进度，取值 0-100 且只增不减。
type ProgressSink func(progress int, stage string)

// CancelFlag 是协作式取消的信号源，尝试在每个检查点轮询该标志。
type CancelFlag interface {
	Cancelled() bool
}

// 检查点对应的固定进度值。
const (
	ProgressStarted      = 5
	ProgressBrowserReady = 15
	ProgressLoggedIn     = 25
	ProgressEditorOpen   = 40
	ProgressComposed     = 60
	ProgressPublishing   = 80
	ProgressDone         = 100
)

// Engine 是自动化引擎的统一契约。
type Engine interface {
	// Name 返回引擎标识，记录到任务的 engine_used 字段。
	Name() string
	// Probe 检查引擎的运行前提是否满足（解释器、脚本、驱动等）。
	Probe(ctx context.Context) error
	// Attempt 执行一次发帖。必须在每个检查点轮询取消标志，
	// 所有外部等待都受超时约束，绝不无限阻塞。
	Attempt(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, error)
}

var (
	// ErrEngineUnavailable 表示引擎的运行前提不满足，属于环境失败。
	ErrEngineUnavailable = xerrors.New(CodeEngineUnavailable, "engine unavailable")
	// ErrEngineCrashed 表示引擎进程异常退出，属于环境失败。
	ErrEngineCrashed = xerrors.New(CodeEngineCrashed, "engine crashed")
	// ErrLoginRejected 表示站点拒绝登录，属于业务失败，不触发引擎回退。
	ErrLoginRejected = xerrors.New(CodeLoginRejected, "login rejected by target site")
	// ErrPostRejected 表示站点拒绝了发帖内容，属于业务失败。
	ErrPostRejected = xerrors.New(CodePostRejected, "post rejected by target site")
	// ErrAttemptCancelled 表示尝试响应取消标志后干净退出。
	ErrAttemptCancelled = xerrors.New(CodeAttemptCancelled, "attempt cancelled")
)

const (
	CodeEngineUnavailable xerrors.Code = "ENGINE_UNAVAILABLE"
	CodeEngineCrashed     xerrors.Code = "ENGINE_CRASHED"
	CodeLoginRejected     xerrors.Code = "LOGIN_REJECTED"
	CodePostRejected      xerrors.Code = "POST_REJECTED"
	CodeAttemptTimeout    xerrors.Code = "ATTEMPT_TIMEOUT"
	CodeAttemptCancelled  xerrors.Code = "ATTEMPT_CANCELLED"
)

func init() {
	xerrors.Register(CodeEngineUnavailable, xerrors.Attributes{
		Message:   "engine unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEngineCrashed, xerrors.Attributes{
		Message:   "engine crashed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeLoginRejected, xerrors.Attributes{
		Message:   "login rejected by target site",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePostRejected, xerrors.Attributes{
		Message:   "post rejected by target site",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAttemptTimeout, xerrors.Attributes{
		Message:   "automation attempt timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAttemptCancelled, xerrors.Attributes{
		Message:   "attempt cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// environmentCodes 列出触发引擎回退的错误码。
var environmentCodes = map[xerrors.Code]bool{
	CodeEngineUnavailable:          true,
	CodeEngineCrashed:              true,
	xerrors.CodeEnvironmentFailure: true,
}

// businessCodes 列出视为站点裁决、不得回退的错误码。
var businessCodes = map[xerrors.Code]bool{
	CodeLoginRejected:           true,
	CodePostRejected:            true,
	xerrors.CodeBusinessFailure: true,
}

// IsEnvironmentFailure 判断错误是否为可通过更换引擎恢复的环境失败。
// 登录确认之前发生的超时归为环境失败，之后的超时视为站点侧问题。
func IsEnvironmentFailure(err error) bool {
	if err == nil {
		return false
	}
	code := xerrors.CodeOf(err)
	if code == CodeAttemptTimeout {
		return timeoutClassification(err) == "environment"
	}
	return environmentCodes[code]
}

// IsBusinessFailure 判断错误是否为站点的权威裁决。
// 换一个引擎重试业务失败既浪费时间也不可能改变结果。
func IsBusinessFailure(err error) bool {
	if err == nil {
		return false
	}
	code := xerrors.CodeOf(err)
	if code == CodeAttemptTimeout {
		return timeoutClassification(err) == "business"
	}
	return businessCodes[code]
}

func timeoutClassification(err error) string {
	if e, ok := xerrors.From(err); ok {
		if class, found := e.Metadata()["classified"]; found {
			return class
		}
	}
	return "environment"
}

// IsCancelled 判断尝试是否由取消标志终止。
func IsCancelled(err error) bool {
	return err != nil && xerrors.CodeOf(err) == CodeAttemptCancelled
}

// IsTimeout 判断尝试是否因超时终止。
func IsTimeout(err error) bool {
	return err != nil && xerrors.CodeOf(err) == CodeAttemptTimeout
}
