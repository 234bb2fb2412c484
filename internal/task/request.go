package task

import (
	"encoding/json"
	"log/slog"
	"strings"

	xerrors "BlogPilot/internal/errors"
)

// Account 是目标站点的登录凭据。
// 凭据只在进程内存与队列消息中存在：不落任务存储、不进日志。
type Account struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// LogValue 实现 slog.LogValuer，确保凭据即使被误传入日志也只输出账号名。
func (a Account) LogValue() slog.Value {
	return slog.StringValue(a.ID)
}

// PostData 是要发布的文章内容。
type PostData struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
	Tags     string `json:"tags,omitempty"`
}

// PostRequest 是调用方提交的发帖请求。
type PostRequest struct {
	Post    PostData `json:"postData"`
	Account Account  `json:"account"`
}

// Validate 校验请求的必填字段。缺失时返回校验错误，任务不会被创建。
func (r PostRequest) Validate() error {
	if strings.TrimSpace(r.Post.Title) == "" {
		return xerrors.New(CodeTaskValidation, "标题不能为空")
	}
	if strings.TrimSpace(r.Post.Content) == "" {
		return xerrors.New(CodeTaskValidation, "正文不能为空")
	}
	if strings.TrimSpace(r.Account.ID) == "" {
		return xerrors.New(CodeTaskValidation, "账号不能为空")
	}
	if r.Account.Password == "" {
		return xerrors.New(CodeTaskValidation, "密码不能为空")
	}
	return nil
}

// Envelope 是经由消息队列投递给 worker 的任务载荷。
// 凭据随消息走 broker，而不是落在任务存储里。
type Envelope struct {
	TaskID  string   `json:"task_id"`
	Post    PostData `json:"post"`
	Account Account  `json:"account"`
}

// Encode 将 Envelope 序列化为队列消息体。
func (e Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "序列化任务消息失败")
	}
	return body, nil
}

// DecodeEnvelope 从队列消息体还原 Envelope。
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务消息失败")
	}
	if env.TaskID == "" {
		return Envelope{}, xerrors.New(xerrors.CodeQueueFailure, "任务消息缺少 task_id")
	}
	return env, nil
}
