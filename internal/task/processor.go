package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"BlogPilot/internal/engine"
	xerrors "BlogPilot/internal/errors"
	"BlogPilot/internal/observability/alerting"
	"BlogPilot/internal/observability/metrics"
	"BlogPilot/pkg/logger"
)

// Attempter 定义了处理器所需的发帖执行能力。
type Attempter interface {
	AttemptWithFallback(ctx context.Context, req engine.Request, flag engine.CancelFlag, sink engine.ProgressSink) (*engine.Result, string, error)
}

// Processor 负责从队列消费任务并交给浏览器引擎执行。
type Processor struct {
	attempter   Attempter
	store       Store
	consumer    Consumer
	registry    *CancelRegistry
	workerCount int
	cancelPoll  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithCancelPollInterval 设置跨进程取消标记的轮询周期。
func WithCancelPollInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		if interval > 0 {
			p.cancelPoll = interval
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(attempter Attempter, store Store, consumer Consumer, registry *CancelRegistry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		attempter:   attempter,
		store:       store,
		consumer:    consumer,
		registry:    registry,
		workerCount: 1,
		cancelPoll:  time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.registry == nil {
		p.registry = NewCancelRegistry()
	}
	return p
}

// Registry 返回处理器使用的取消登记表，供任务服务转发同进程取消信号。
func (p *Processor) Registry() *CancelRegistry {
	return p.registry
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, env Envelope) error {
	if p.store == nil || p.attempter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	task, err := p.store.Claim(ctx, env.TaskID)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrTaskExhausted):
			// 重投次数耗尽：任务不再执行，落一个明确的失败终态。
			if task != nil && task.Status == StatusPending {
				if markErr := p.store.MarkFailed(ctx, env.TaskID, CodeTaskExhausted, ErrTaskExhausted.Error(), ""); markErr != nil {
					logger.L().Error("标记重投耗尽失败", slog.Any("error", markErr), slog.String("task_id", env.TaskID))
				}
			}
			p.emitAlert(ctx, task, CodeTaskExhausted, err, "exhausted")
			return nil
		case stdErrors.Is(err, ErrTaskNotFound),
			stdErrors.Is(err, ErrTaskConflict),
			stdErrors.Is(err, ErrTaskCancelled),
			stdErrors.Is(err, ErrTaskTerminal):
			// broker 重投已被处理过的消息，状态检查拦下了二次执行。
			p.logDebug("跳过任务", slog.String("task_id", env.TaskID), slog.String("reason", err.Error()))
			return nil
		default:
			logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", env.TaskID))
			p.emitAlert(ctx, &Task{ID: env.TaskID}, CodeTaskProcessing, err, "claim")
			return err
		}
	}

	flag := p.registry.Register(task.ID)
	defer p.registry.Unregister(task.ID)
	if task.CancelRequested {
		flag.Cancel()
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go p.watchCancel(ctx, task.ID, flag, watchDone)

	sink := func(progress int, stage string) {
		if err := p.store.SetProgress(ctx, task.ID, progress, stage); err != nil {
			p.logDebug("写入进度失败",
				slog.String("task_id", task.ID),
				slog.Int("progress", progress),
				slog.Any("error", err))
		}
	}

	started := time.Now()
	result, engineUsed, attemptErr := p.attempter.AttemptWithFallback(ctx, engine.Request{
		Title:           env.Post.Title,
		Content:         env.Post.Content,
		Category:        env.Post.Category,
		Tags:            env.Post.Tags,
		AccountID:       env.Account.ID,
		AccountPassword: env.Account.Password,
	}, flag, sink)

	metrics.ObserveTaskOutcome(outcomeLabel(attemptErr), engineUsed, time.Since(started))

	if attemptErr != nil {
		if stdErrors.Is(attemptErr, context.Canceled) || stdErrors.Is(attemptErr, context.DeadlineExceeded) {
			// 停机打断的尝试不是用户取消，不写终态，
			// 消息交还 broker 等进程恢复后重投。
			p.logDebug("停机中断任务执行", slog.String("task_id", task.ID))
			return attemptErr
		}
		if engine.IsCancelled(attemptErr) {
			return p.finishCancelled(ctx, task)
		}
		return p.finishFailed(ctx, task, engineUsed, attemptErr)
	}
	return p.finishCompleted(ctx, task, engineUsed, result)
}

func outcomeLabel(attemptErr error) string {
	switch {
	case attemptErr == nil:
		return string(StatusCompleted)
	case engine.IsCancelled(attemptErr):
		return string(StatusCancelled)
	case stdErrors.Is(attemptErr, context.Canceled), stdErrors.Is(attemptErr, context.DeadlineExceeded):
		return "interrupted"
	default:
		return string(StatusFailed)
	}
}

// watchCancel 轮询存储上的取消标记，把跨进程的取消请求送达执行中的尝试。
func (p *Processor) watchCancel(ctx context.Context, id string, flag *Flag, done <-chan struct{}) {
	ticker := time.NewTicker(p.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flag.Cancelled() {
				return
			}
			task, err := p.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if task.CancelRequested {
				flag.Cancel()
				return
			}
		}
	}
}

func (p *Processor) finishCompleted(ctx context.Context, task *Task, engineUsed string, result *engine.Result) error {
	record := PostResult{}
	if result != nil {
		record = PostResult{
			URL:      result.URL,
			Title:    result.Title,
			Message:  result.Message,
			PostedAt: result.PostedAt,
		}
	}
	if err := p.store.MarkCompleted(ctx, task.ID, record, engineUsed); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("发帖任务完成",
		slog.String("task_id", task.ID),
		slog.String("title", task.Title),
		slog.String("engine", engineUsed),
		slog.String("url", record.URL),
	)
	return nil
}

func (p *Processor) finishCancelled(ctx context.Context, task *Task) error {
	if err := p.store.MarkCancelled(ctx, task.ID); err != nil {
		logger.L().Error("标记任务取消状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("发帖任务已取消",
		slog.String("task_id", task.ID),
		slog.String("title", task.Title),
	)
	return nil
}

func (p *Processor) finishFailed(ctx context.Context, task *Task, engineUsed string, attemptErr error) error {
	code := xerrors.CodeOf(attemptErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	if err := p.store.MarkFailed(ctx, task.ID, code, attemptErr.Error(), engineUsed); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("发帖任务失败",
		slog.String("task_id", task.ID),
		slog.String("title", task.Title),
		slog.String("engine", engineUsed),
		slog.String("error", attemptErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
	)
	p.emitAlert(ctx, task, code, attemptErr, "terminal")
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	event := alerting.Event{
		Code:            code,
		Message:         message,
		Severity:        attrs.Severity,
		TaskID:          task.ID,
		Attempts:        task.Attempts,
		MaxRedeliveries: task.MaxRedeliveries,
		Metadata:        metadata,
		OccurredAt:      time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
