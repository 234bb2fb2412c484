package engine

import "context"

// 引擎标识，按固定回退顺序排列：puppeteer → selenium → playwright。
const (
	NamePuppeteer  = "puppeteer"
	NameSelenium   = "selenium"
	NamePlaywright = "playwright"
)

// Puppeteer 是首选引擎，通过 Node.js 脚本驱动无头 Chromium。
type Puppeteer struct {
	bridge bridge
}

// NewPuppeteer 根据引擎描述构造 Puppeteer 引擎。
func NewPuppeteer(spec Spec, rt Runtime) *Puppeteer {
	return &Puppeteer{bridge: spec.newBridge("node", "scripts/puppeteer_post.js", rt)}
}

// Name 实现 Engine 接口。
func (p *Puppeteer) Name() string { return NamePuppeteer }

// Probe 检查 Node.js 与自动化脚本是否可用。
func (p *Puppeteer) Probe(_ context.Context) error {
	return p.bridge.probe(p.bridge.extraBinaries...)
}

// Attempt 实现 Engine 接口。
func (p *Puppeteer) Attempt(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, error) {
	return p.bridge.run(ctx, req, flag, sink)
}

var _ Engine = (*Puppeteer)(nil)
