package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	xerrors "BlogPilot/internal/errors"
)

// bridge 通过外部自动化脚本完成真正的浏览器操作。
// 请求以 JSON 写入脚本 stdin，脚本在 stdout 上逐行输出 JSON 事件：
//
//	{"event":"progress","progress":25,"stage":"login"}
//	{"event":"result","result":{"url":"..."}}
//	{"event":"error","kind":"business","code":"LOGIN_REJECTED","message":"..."}
//
// 站点相关的 DOM 操作全部留在脚本内，Go 侧只负责生命周期、超时与取消。
type bridge struct {
	interpreter    string
	script         string
	args           []string
	extraBinaries  []string
	workDir        string
	attemptTimeout time.Duration
	stallTimeout   time.Duration
	cancelGrace    time.Duration
}

type bridgeEvent struct {
	Event    string  `json:"event"`
	Progress int     `json:"progress,omitempty"`
	Stage    string  `json:"stage,omitempty"`
	Result   *Result `json:"result,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Code     string  `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// flagPollInterval 是取消标志的轮询周期。
const flagPollInterval = 250 * time.Millisecond

// probe 检查解释器与脚本是否就位。缺失视为环境失败，交由回退策略处理。
func (b *bridge) probe(extraBinaries ...string) error {
	if _, err := exec.LookPath(b.interpreter); err != nil {
		return xerrors.Wrap(CodeEngineUnavailable, err, fmt.Sprintf("解释器 %s 不可用", b.interpreter))
	}
	for _, binary := range extraBinaries {
		if _, err := exec.LookPath(binary); err != nil {
			return xerrors.Wrap(CodeEngineUnavailable, err, fmt.Sprintf("依赖程序 %s 不可用", binary))
		}
	}
	if _, err := os.Stat(b.script); err != nil {
		return xerrors.Wrap(CodeEngineUnavailable, err, fmt.Sprintf("自动化脚本 %s 不存在", b.script))
	}
	return nil
}

// run 驱动一次完整的脚本执行。
func (b *bridge) run(ctx context.Context, req Request, flag CancelFlag, sink ProgressSink) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"title":    req.Title,
		"content":  req.Content,
		"category": req.Category,
		"tags":     req.Tags,
		"account": map[string]string{
			"id":       req.AccountID,
			"password": req.AccountPassword,
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化引擎请求失败")
	}

	attemptTimeout := b.attemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Minute
	}
	stallTimeout := b.stallTimeout
	if stallTimeout <= 0 {
		stallTimeout = time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	cmd := exec.Command(b.interpreter, append([]string{b.script}, b.args...)...)
	cmd.Dir = b.workDir
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// 脚本会再派生浏览器进程，放进独立进程组便于整组回收。
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// 进程退出后若还有子进程占着 stderr 管道，超过宽限期就放弃等待。
	cmd.WaitDelay = b.grace()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(CodeEngineCrashed, err, "创建脚本输出管道失败")
	}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrap(CodeEngineCrashed, err, "启动自动化脚本失败")
	}

	events := make(chan bridgeEvent, 16)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "{") {
				continue
			}
			var ev bridgeEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			events <- ev
		}
	}()

	// Wait 必须等输出读完才能调用：它会在进程退出的瞬间关掉管道读端，
	// 与扫描协程并发时尾部事件（包括 result 行）可能被直接丢弃。
	done := make(chan error, 1)
	go func() {
		<-scanDone
		done <- cmd.Wait()
	}()

	var (
		result       *Result
		scriptErr    error
		lastProgress int
		exited       bool
		exitErr      error
	)

	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()
	poll := time.NewTicker(flagPollInterval)
	defer poll.Stop()

	finish := func() (*Result, error) {
		if scriptErr != nil {
			return nil, scriptErr
		}
		// ErrWaitDelay 只说明有残留子进程占着管道被放弃，脚本本身是正常退出的。
		if stdErrors.Is(exitErr, exec.ErrWaitDelay) {
			exitErr = nil
		}
		if exitErr != nil {
			return nil, xerrors.Wrap(CodeEngineCrashed, exitErr,
				fmt.Sprintf("脚本异常退出: %s", truncate(stderr.String(), 512)))
		}
		if result == nil {
			return nil, xerrors.New(CodeEngineCrashed, "脚本未返回结果即退出")
		}
		if sink != nil {
			sink(ProgressDone, "done")
		}
		return result, nil
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				if exited {
					return finish()
				}
				continue
			}
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(stallTimeout)
			switch ev.Event {
			case "progress":
				if ev.Progress > lastProgress {
					lastProgress = ev.Progress
				}
				if sink != nil && ev.Progress > 0 {
					sink(ev.Progress, ev.Stage)
				}
				if flag != nil && flag.Cancelled() {
					drain(events)
					b.terminate(cmd, done)
					return nil, ErrAttemptCancelled
				}
			case "result":
				if ev.Result != nil {
					result = ev.Result
				}
			case "error":
				scriptErr = mapScriptError(ev)
			}
		case <-poll.C:
			if flag != nil && flag.Cancelled() {
				drain(events)
				b.terminate(cmd, done)
				return nil, ErrAttemptCancelled
			}
		case <-stall.C:
			drain(events)
			b.terminate(cmd, done)
			return nil, b.timeoutError(lastProgress, "脚本输出停滞")
		case <-runCtx.Done():
			drain(events)
			b.terminate(cmd, done)
			if err := ctx.Err(); err != nil {
				// 父 context 结束意味着进程停机，不是用户取消，
				// 原样返回让上层决定是否交还 broker 重投。
				return nil, err
			}
			return nil, b.timeoutError(lastProgress, "尝试超出总时限")
		case err := <-done:
			exited = true
			exitErr = err
			if events == nil {
				return finish()
			}
		}
	}
}

// drain 在提前返回时消耗剩余事件，避免阻塞读取协程。
func drain(events <-chan bridgeEvent) {
	if events == nil {
		return
	}
	go func() {
		for range events {
		}
	}()
}

func (b *bridge) grace() time.Duration {
	if b.cancelGrace > 0 {
		return b.cancelGrace
	}
	return 10 * time.Second
}

// terminate 先对整个进程组发送 SIGTERM 请求脚本自行清理浏览器会话，
// 宽限期内未退出则整组强制杀死。只杀脚本进程是不够的：
// 浏览器子进程会留活并占住输出管道，等待永远结束不了。
func (b *bridge) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(b.grace()):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

func (b *bridge) timeoutError(lastProgress int, message string) error {
	// 登录确认之前的超时多半是驱动或网络环境问题，之后归咎于站点。
	class := "environment"
	if lastProgress >= ProgressLoggedIn {
		class = "business"
	}
	return xerrors.New(CodeAttemptTimeout, message,
		xerrors.WithMetadata("classified", class),
		xerrors.WithMetadata("last_progress", fmt.Sprintf("%d", lastProgress)))
}

func mapScriptError(ev bridgeEvent) error {
	message := ev.Message
	switch xerrors.Code(ev.Code) {
	case CodeLoginRejected:
		return xerrors.New(CodeLoginRejected, message)
	case CodePostRejected:
		return xerrors.New(CodePostRejected, message)
	}
	if strings.EqualFold(ev.Kind, "business") {
		return xerrors.New(xerrors.CodeBusinessFailure, message)
	}
	return xerrors.New(CodeEngineCrashed, message)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
