package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := &Task{ID: "t1", Title: "hello", Status: StatusPending, MaxRedeliveries: 3}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "t1", Title: "dup", Status: StatusPending}); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusInProgress || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	// 重复领取被拒绝，broker 重投的消息不会二次执行。
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on second claim, got %v", err)
	}

	if err := store.SetProgress(ctx, "t1", 25, "login"); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	// 乱序到达的旧进度被忽略，进度只增不减。
	if err := store.SetProgress(ctx, "t1", 15, "browser"); err != nil {
		t.Fatalf("set stale progress: %v", err)
	}
	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 25 || got.Stage != "login" {
		t.Fatalf("expected progress to stay at 25/login, got %d/%s", got.Progress, got.Stage)
	}

	if err := store.MarkCompleted(ctx, "t1", PostResult{URL: "https://blog.example/p/1"}, "puppeteer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	final, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != StatusCompleted || final.Progress != 100 || final.EngineUsed != "puppeteer" {
		t.Fatalf("unexpected final task: %+v", final)
	}
	if final.Result == nil || final.Result.URL != "https://blog.example/p/1" {
		t.Fatalf("unexpected result: %+v", final.Result)
	}

	// 终态后一切迁移都被拒绝。
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "late", ""); err == nil {
		t.Fatal("expected error marking completed task failed")
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestMemoryStoreCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "p1", Title: "pending", Status: StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// pending 任务的取消立即生效。
	cancelled, err := store.RequestCancel(ctx, "p1")
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := store.Claim(ctx, "p1"); !stdErrors.Is(err, ErrTaskCancelled) {
		t.Fatalf("expected cancelled error on claim, got %v", err)
	}

	// in_progress 任务只打标记，终态由 worker 写入。
	if err := store.Create(ctx, &Task{ID: "r1", Title: "running", Status: StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	flagged, err := store.RequestCancel(ctx, "r1")
	if err != nil {
		t.Fatalf("request cancel running: %v", err)
	}
	if flagged.Status != StatusInProgress || !flagged.CancelRequested {
		t.Fatalf("expected in_progress with cancel flag, got %+v", flagged)
	}
	if err := store.MarkCancelled(ctx, "r1"); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}

	// 对已取消的任务再次请求取消是非法迁移。
	if _, err := store.RequestCancel(ctx, "r1"); err == nil {
		t.Fatal("expected error cancelling a cancelled task")
	}
}

func TestMemoryStoreRedeliveryExhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "x1", Title: "t", Status: StatusPending, MaxRedeliveries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "x1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// 模拟 worker 崩溃后任务回到 pending 再次被投递。
	store.mu.Lock()
	store.tasks["x1"].Status = StatusPending
	store.mu.Unlock()

	if _, err := store.Claim(ctx, "x1"); !stdErrors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Title: "draft about go", Status: StatusPending, MaxRedeliveries: 3},
		{ID: "t2", Title: "failed post", Status: StatusPending, MaxRedeliveries: 3},
		{ID: "t3", Title: "published post", Status: StatusPending, MaxRedeliveries: 3},
	}

	for _, item := range tasks {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %s: %v", item.ID, err)
		}
	}

	if _, err := store.Claim(ctx, "t2"); err != nil {
		t.Fatalf("claim t2: %v", err)
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", "selenium"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t3"); err != nil {
		t.Fatalf("claim t3: %v", err)
	}
	if err := store.MarkCompleted(ctx, "t3", PostResult{URL: "https://blog.example/p/3"}, "puppeteer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byTitle, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("go")}))
	if err != nil {
		t.Fatalf("list by title: %v", err)
	}
	if len(byTitle) != 1 || byTitle[0].ID != "t1" {
		t.Fatalf("unexpected title match: %+v", byTitle)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	tasks := []*Task{
		{ID: "a", Title: "p1", Status: StatusPending, MaxRedeliveries: 3},
		{ID: "b", Title: "p2", Status: StatusPending, MaxRedeliveries: 3},
		{ID: "c", Title: "p3", Status: StatusPending, MaxRedeliveries: 3},
	}

	for _, item := range tasks {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %s: %v", item.ID, err)
		}
	}

	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", ""); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c"); err != nil {
		t.Fatalf("claim c: %v", err)
	}
	if err := store.MarkCompleted(ctx, "c", PostResult{URL: "https://blog.example/p/c"}, "puppeteer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreClaimWithoutRedeliveryLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "u1", Title: "t", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// MaxRedeliveries 为零表示不限次数，领取永远不会被判为耗尽。
	for i := 0; i < 5; i++ {
		if _, err := store.Claim(ctx, "u1"); err != nil {
			t.Fatalf("claim #%d: %v", i, err)
		}
		store.mu.Lock()
		store.tasks["u1"].Status = StatusPending
		store.mu.Unlock()
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	store := NewMemoryStore(WithRetention(time.Second, time.Hour))
	defer store.Close()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "old", Title: "p", Status: StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "old"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, "old", PostResult{URL: "https://blog.example/p/old"}, "puppeteer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "waiting", Title: "p", Status: StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create waiting: %v", err)
	}

	backdated := time.Now().Add(-time.Minute).Unix()
	store.mu.Lock()
	store.tasks["old"].UpdatedAt = backdated
	store.tasks["waiting"].UpdatedAt = backdated
	store.mu.Unlock()

	// 过期的终态记录即便尚未被清理协程删除，对外也视同不存在。
	if _, err := store.Get(ctx, "old"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found for expired task, got %v", err)
	}
	// 保留策略只作用于终态，排队中的任务不会凭空消失。
	waiting, err := store.Get(ctx, "waiting")
	if err != nil {
		t.Fatalf("get waiting: %v", err)
	}
	if waiting.Status != StatusPending {
		t.Fatalf("expected pending, got %s", waiting.Status)
	}

	store.sweep(time.Now().Unix())
	store.mu.RLock()
	_, oldExists := store.tasks["old"]
	_, waitingExists := store.tasks["waiting"]
	store.mu.RUnlock()
	if oldExists {
		t.Fatal("expected expired terminal task to be swept")
	}
	if !waitingExists {
		t.Fatal("expected pending task to survive the sweep")
	}
}
