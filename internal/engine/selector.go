package engine

import (
	"context"
	"log/slog"
	"sync"

	xerrors "BlogPilot/internal/errors"
	"BlogPilot/pkg/logger"
)

// Selector 持有固定回退顺序的引擎集合，决定每次尝试由谁执行。
// 探测结果在进程生命周期内缓存：引擎可用性在同一进程内不会变化，
// 重复探测（下载驱动、启动浏览器）代价高昂。
type Selector struct {
	engines []Engine
	logger  *slog.Logger

	once      sync.Once
	noCache   bool
	cached    Engine
	cachedErr error
}

// SelectorOption 定义可选配置。
type SelectorOption func(*Selector)

// WithSelectorLogger 指定日志输出。
func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = l
	}
}

// WithoutProbeCache 关闭探测缓存，仅用于测试。
func WithoutProbeCache() SelectorOption {
	return func(s *Selector) {
		s.noCache = true
	}
}

// NewSelector 构造 Selector，engines 的顺序即回退顺序。
func NewSelector(engines []Engine, opts ...SelectorOption) *Selector {
	s := &Selector{engines: engines}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("engine")
	}
	return s
}

// Select 返回回退顺序中第一个探测通过的引擎。
func (s *Selector) Select(ctx context.Context) (Engine, error) {
	if s.noCache {
		return s.probeAll(ctx)
	}
	s.once.Do(func() {
		s.cached, s.cachedErr = s.probeAll(ctx)
	})
	return s.cached, s.cachedErr
}

func (s *Selector) probeAll(ctx context.Context) (Engine, error) {
	var lastErr error
	for _, eng := range s.engines {
		if err := eng.Probe(ctx); err != nil {
			s.logger.Warn("引擎探测失败",
				slog.String("engine", eng.Name()),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		s.logger.Info("已选择自动化引擎", slog.String("engine", eng.Name()))
		return eng, nil
	}
	if lastErr == nil {
		lastErr = ErrEngineUnavailable
	}
	return nil, xerrors.Wrap(CodeEngineUnavailable, lastErr, "没有可用的自动化引擎")
}

// next 返回回退顺序中 current 之后的下一个引擎。
func (s *Selector) next(current Engine) Engine {
	for i, eng := range s.engines {
		if eng == current && i+1 < len(s.engines) {
			return s.engines[i+1]
		}
	}
	return nil
}

// AttemptWithFallback 用选中的引擎执行尝试。环境失败时换下一个引擎重试一次；
// 业务失败是站点的权威裁决，立即返回不回退。
// 返回值中的引擎名即任务记录的 engine_used。
func (s *Selector) AttemptWithFallback(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, string, error) {
	primary, err := s.Select(ctx)
	if err != nil {
		return nil, "", err
	}

	result, err := primary.Attempt(ctx, req, flag, sink)
	if err == nil {
		return result, primary.Name(), nil
	}
	if !IsEnvironmentFailure(err) {
		return nil, primary.Name(), err
	}

	fallback := s.next(primary)
	if fallback == nil {
		return nil, primary.Name(), err
	}
	s.logger.Warn("主引擎环境失败，切换备用引擎",
		slog.String("primary", primary.Name()),
		slog.String("fallback", fallback.Name()),
		slog.String("error", err.Error()))
	if probeErr := fallback.Probe(ctx); probeErr != nil {
		return nil, primary.Name(), xerrors.Wrap(CodeEngineUnavailable, err, "备用引擎同样不可用")
	}

	result, fbErr := fallback.Attempt(ctx, req, flag, sink)
	if fbErr != nil {
		return nil, fallback.Name(), fbErr
	}
	return result, fallback.Name(), nil
}

// Health 汇报当前选中的引擎及其可用性，用于健康检查接口。
type Health struct {
	Selected string   `json:"selected,omitempty"`
	Usable   bool     `json:"usable"`
	Error    string   `json:"error,omitempty"`
	Order    []string `json:"order"`
}

// Health 返回选择器的当前状态。
func (s *Selector) Health(ctx context.Context) Health {
	order := make([]string, 0, len(s.engines))
	for _, eng := range s.engines {
		order = append(order, eng.Name())
	}
	health := Health{Order: order}
	selected, err := s.Select(ctx)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	health.Selected = selected.Name()
	health.Usable = true
	return health
}
