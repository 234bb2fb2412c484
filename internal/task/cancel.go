package task

import (
	"sync"
	"sync/atomic"
)

// Flag 是单个执行尝试的协作取消标志。
// 执行中的引擎在每个检查点轮询它，观察到取消后收尾退出。
type Flag struct {
	cancelled atomic.Bool
}

// Cancel 置位取消标志。
func (f *Flag) Cancel() {
	f.cancelled.Store(true)
}

// Cancelled 实现引擎侧的取消检查。
func (f *Flag) Cancelled() bool {
	return f.cancelled.Load()
}

// CancelRegistry 维护本进程内正在执行的任务与其取消标志的映射。
// 同进程的取消请求经由它直达，跨进程的取消依赖存储上的取消标记。
type CancelRegistry struct {
	mu    sync.Mutex
	flags map[string]*Flag
}

// NewCancelRegistry 创建 CancelRegistry。
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{flags: make(map[string]*Flag)}
}

// Register 为任务登记一个新的取消标志，执行结束后必须 Unregister。
func (r *CancelRegistry) Register(id string) *Flag {
	flag := &Flag{}
	r.mu.Lock()
	r.flags[id] = flag
	r.mu.Unlock()
	return flag
}

// Unregister 移除任务的取消标志。
func (r *CancelRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.flags, id)
	r.mu.Unlock()
}

// Signal 置位指定任务的取消标志。任务不在本进程执行时返回 false。
func (r *CancelRegistry) Signal(id string) bool {
	r.mu.Lock()
	flag, ok := r.flags[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	flag.Cancel()
	return true
}
