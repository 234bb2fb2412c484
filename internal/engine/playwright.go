package engine

import "context"

// Playwright 是兜底引擎，同样经由 Node.js 脚本驱动浏览器。
type Playwright struct {
	bridge bridge
}

// NewPlaywright 根据引擎描述构造 Playwright 引擎。
func NewPlaywright(spec Spec, rt Runtime) *Playwright {
	return &Playwright{bridge: spec.newBridge("node", "scripts/playwright_post.js", rt)}
}

// Name 实现 Engine 接口。
func (p *Playwright) Name() string { return NamePlaywright }

// Probe 检查 Node.js 与自动化脚本是否可用。
func (p *Playwright) Probe(_ context.Context) error {
	return p.bridge.probe(p.bridge.extraBinaries...)
}

// Attempt 实现 Engine 接口。
func (p *Playwright) Attempt(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, error) {
	return p.bridge.run(ctx, req, flag, sink)
}

var _ Engine = (*Playwright)(nil)
