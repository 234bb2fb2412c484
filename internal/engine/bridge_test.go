package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func shellBridge(t *testing.T, body string) bridge {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	return bridge{
		interpreter:    "/bin/sh",
		script:         writeScript(t, body),
		attemptTimeout: 5 * time.Second,
		stallTimeout:   2 * time.Second,
		cancelGrace:    time.Second,
	}
}

func TestBridgeRunSuccess(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":5,"stage":"started"}'
echo '{"event":"progress","progress":25,"stage":"login"}'
echo '{"event":"result","result":{"url":"https://blog.example/p/1","title":"hello"}}'
`)

	var progresses []int
	sink := func(progress int, _ string) {
		progresses = append(progresses, progress)
	}

	result, err := b.run(context.Background(), Request{Title: "hello"}, stubFlag{}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.URL != "https://blog.example/p/1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(progresses) == 0 || progresses[len(progresses)-1] != ProgressDone {
		t.Fatalf("expected final progress 100, got %v", progresses)
	}
}

func TestBridgeRunBusinessError(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":15,"stage":"browser"}'
echo '{"event":"error","kind":"business","code":"LOGIN_REJECTED","message":"bad credentials"}'
`)

	_, err := b.run(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if err == nil {
		t.Fatal("expected login rejection")
	}
	if !IsBusinessFailure(err) {
		t.Fatalf("expected business failure, got %v", err)
	}
}

func TestBridgeRunCrash(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":5,"stage":"started"}'
exit 7
`)

	_, err := b.run(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if err == nil {
		t.Fatal("expected crash error")
	}
	if !IsEnvironmentFailure(err) {
		t.Fatalf("expected environment failure, got %v", err)
	}
}

func TestBridgeRunCancellation(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":5,"stage":"started"}'
sleep 30
`)

	started := time.Now()
	_, err := b.run(context.Background(), Request{Title: "t"}, stubFlag{cancelled: true}, nil)
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("cancellation took too long: %s", time.Since(started))
	}
}

func TestBridgeRunStallTimeout(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":15,"stage":"browser"}'
sleep 30
`)
	b.stallTimeout = 500 * time.Millisecond

	_, err := b.run(context.Background(), Request{Title: "t"}, stubFlag{}, nil)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// 登录之前的停滞按环境失败处理，允许回退到其他引擎。
	if !IsEnvironmentFailure(err) {
		t.Fatalf("expected environment classification, got %v", err)
	}
}

func TestBridgeRunKeepsTrailingResultOnFastExit(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":80,"stage":"publish"}'
echo '{"event":"result","result":{"url":"https://blog.example/p/9","title":"quick"}}'
`)

	// 脚本输出完立刻退出，退出通知与尾部事件几乎同时到达，
	// result 行一次都不能丢，否则成功的发帖会被当作崩溃重发。
	for i := 0; i < 50; i++ {
		result, err := b.run(context.Background(), Request{Title: "quick"}, stubFlag{}, nil)
		if err != nil {
			t.Fatalf("run #%d: %v", i, err)
		}
		if result == nil || result.URL != "https://blog.example/p/9" {
			t.Fatalf("run #%d lost trailing result: %+v", i, result)
		}
	}
}

func TestBridgeTerminationReclaimsSpawnedChildren(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":5,"stage":"started"}'
sleep 30 &
wait
`)

	// 脚本派生的子进程占着输出管道，终止必须覆盖整个进程组，
	// 否则宽限期形同虚设，worker 槽位被占满整整 30 秒。
	started := time.Now()
	_, err := b.run(context.Background(), Request{Title: "t"}, stubFlag{cancelled: true}, nil)
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("termination not bounded by grace: %s", elapsed)
	}
}

func TestBridgeRunShutdownReturnsContextError(t *testing.T) {
	b := shellBridge(t, `#!/bin/sh
echo '{"event":"progress","progress":25,"stage":"login"}'
sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := b.run(ctx, Request{Title: "t"}, stubFlag{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	// 停机打断不是用户取消，两者必须能区分开。
	if IsCancelled(err) {
		t.Fatalf("shutdown must not look like a user cancel: %v", err)
	}
}

func TestBridgeProbeMissingScript(t *testing.T) {
	b := bridge{interpreter: "/bin/sh", script: filepath.Join(t.TempDir(), "missing.sh")}
	if err := b.probe(); !IsEnvironmentFailure(err) {
		t.Fatalf("expected environment failure for missing script, got %v", err)
	}
}
