package engine

import (
	"context"
	"testing"
)

type stubEngine struct {
	name       string
	probeErr   error
	attemptErr error
	result     *Result

	probes   int
	attempts int
}

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) Probe(context.Context) error {
	s.probes++
	return s.probeErr
}

func (s *stubEngine) Attempt(_ context.Context, _ Request, _ CancelFlag, sink ProgressSink) (*Result, error) {
	s.attempts++
	if sink != nil {
		sink(ProgressStarted, "started")
	}
	if s.attemptErr != nil {
		return nil, s.attemptErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return &Result{URL: "https://blog.example/p/1"}, nil
}

type stubFlag struct{ cancelled bool }

func (f stubFlag) Cancelled() bool { return f.cancelled }

func TestSelectorSkipsUnavailableEngine(t *testing.T) {
	broken := &stubEngine{name: NamePuppeteer, probeErr: ErrEngineUnavailable}
	healthy := &stubEngine{name: NameSelenium}
	selector := NewSelector([]Engine{broken, healthy})

	selected, err := selector.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.Name() != NameSelenium {
		t.Fatalf("expected selenium, got %s", selected.Name())
	}
}

func TestSelectorCachesProbeResult(t *testing.T) {
	eng := &stubEngine{name: NamePuppeteer}
	selector := NewSelector([]Engine{eng})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := selector.Select(ctx); err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
	}
	// 探测在进程生命周期内只发生一次。
	if eng.probes != 1 {
		t.Fatalf("expected 1 probe, got %d", eng.probes)
	}
}

func TestSelectorAllEnginesUnavailable(t *testing.T) {
	selector := NewSelector([]Engine{
		&stubEngine{name: NamePuppeteer, probeErr: ErrEngineUnavailable},
		&stubEngine{name: NameSelenium, probeErr: ErrEngineUnavailable},
	})
	if _, err := selector.Select(context.Background()); err == nil {
		t.Fatal("expected error when no engine is usable")
	}
}

func TestFallbackOnEnvironmentFailure(t *testing.T) {
	primary := &stubEngine{name: NamePuppeteer, attemptErr: ErrEngineCrashed}
	secondary := &stubEngine{name: NameSelenium}
	selector := NewSelector([]Engine{primary, secondary})

	result, used, err := selector.AttemptWithFallback(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if used != NameSelenium {
		t.Fatalf("expected fallback engine recorded, got %s", used)
	}
	if result == nil || result.URL == "" {
		t.Fatalf("expected fallback result, got %+v", result)
	}
	if primary.attempts != 1 || secondary.attempts != 1 {
		t.Fatalf("expected one attempt each, got %d/%d", primary.attempts, secondary.attempts)
	}
}

func TestNoFallbackOnBusinessFailure(t *testing.T) {
	primary := &stubEngine{name: NamePuppeteer, attemptErr: ErrLoginRejected}
	secondary := &stubEngine{name: NameSelenium}
	selector := NewSelector([]Engine{primary, secondary})

	_, used, err := selector.AttemptWithFallback(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if err == nil {
		t.Fatal("expected business failure to surface")
	}
	if !IsBusinessFailure(err) {
		t.Fatalf("expected business failure, got %v", err)
	}
	// 站点的裁决是权威的，换引擎重试不会发生。
	if used != NamePuppeteer {
		t.Fatalf("expected primary engine recorded, got %s", used)
	}
	if secondary.attempts != 0 {
		t.Fatalf("expected no fallback attempt, got %d", secondary.attempts)
	}
}

func TestFallbackStopsAfterSecondaryFailure(t *testing.T) {
	primary := &stubEngine{name: NamePuppeteer, attemptErr: ErrEngineCrashed}
	secondary := &stubEngine{name: NameSelenium, attemptErr: ErrEngineCrashed}
	tertiary := &stubEngine{name: NamePlaywright}
	selector := NewSelector([]Engine{primary, secondary, tertiary})

	_, _, err := selector.AttemptWithFallback(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if err == nil {
		t.Fatal("expected error after fallback failure")
	}
	// 回退只发生一次，不会沿着引擎列表一路试下去。
	if tertiary.attempts != 0 {
		t.Fatalf("expected tertiary untouched, got %d attempts", tertiary.attempts)
	}
}

func TestSelectorHealth(t *testing.T) {
	selector := NewSelector([]Engine{
		&stubEngine{name: NamePuppeteer, probeErr: ErrEngineUnavailable},
		&stubEngine{name: NameSelenium},
	})

	health := selector.Health(context.Background())
	if !health.Usable || health.Selected != NameSelenium {
		t.Fatalf("unexpected health: %+v", health)
	}
	if len(health.Order) != 2 || health.Order[0] != NamePuppeteer {
		t.Fatalf("unexpected order: %+v", health.Order)
	}
}

func timeoutErrorAt(progress int) error {
	b := bridge{}
	return b.timeoutError(progress, "timeout")
}

func TestTimeoutClassificationDrivesFallback(t *testing.T) {
	earlyTimeout := timeoutErrorAt(ProgressBrowserReady)
	if !IsEnvironmentFailure(earlyTimeout) {
		t.Fatal("timeout before login should be an environment failure")
	}
	lateTimeout := timeoutErrorAt(ProgressPublishing)
	if !IsBusinessFailure(lateTimeout) {
		t.Fatal("timeout after login should be a business failure")
	}
}
