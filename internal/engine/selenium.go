package engine

import "context"

// Selenium 是次选引擎，通过 Python 脚本驱动 WebDriver。
// 除解释器外还要求 chromedriver 在 PATH 上可用。
type Selenium struct {
	bridge bridge
}

// NewSelenium 根据引擎描述构造 Selenium 引擎。
func NewSelenium(spec Spec, rt Runtime) *Selenium {
	if len(spec.Binaries) == 0 {
		spec.Binaries = []string{"chromedriver"}
	}
	return &Selenium{bridge: spec.newBridge("python3", "scripts/selenium_post.py", rt)}
}

// Name 实现 Engine 接口。
func (s *Selenium) Name() string { return NameSelenium }

// Probe 检查 Python、chromedriver 与自动化脚本是否可用。
func (s *Selenium) Probe(_ context.Context) error {
	return s.bridge.probe(s.bridge.extraBinaries...)
}

// Attempt 实现 Engine 接口。
func (s *Selenium) Attempt(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, error) {
	return s.bridge.run(ctx, req, flag, sink)
}

var _ Engine = (*Selenium)(nil)
