package task

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "BlogPilot/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, Envelope) error {
	return stdErrors.New("broker down")
}

func (failingProducer) Close() error { return nil }

type capturingProducer struct {
	envelopes []Envelope
}

func (p *capturingProducer) Publish(_ context.Context, env Envelope) error {
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func validRequest() PostRequest {
	return PostRequest{
		Post:    PostData{Title: "hello", Content: "world"},
		Account: Account{ID: "writer", Password: "secret"},
	}
}

func TestServiceSubmit(t *testing.T) {
	store := NewMemoryStore()
	producer := &capturingProducer{}
	svc := NewService(store, producer, nil, 3)
	ctx := context.Background()

	created, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID == "" || created.Status != StatusPending {
		t.Fatalf("unexpected created task: %+v", created)
	}
	if len(producer.envelopes) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(producer.envelopes))
	}

	// 凭据随消息进入队列，但不进入任务存储。
	env := producer.envelopes[0]
	if env.TaskID != created.ID || env.Account.Password != "secret" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	stored, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.Title != "hello" {
		t.Fatalf("unexpected stored title: %q", stored.Title)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), &capturingProducer{}, nil, 3)
	ctx := context.Background()

	cases := []struct {
		name string
		req  PostRequest
	}{
		{"missing title", PostRequest{Post: PostData{Content: "c"}, Account: Account{ID: "a", Password: "p"}}},
		{"missing content", PostRequest{Post: PostData{Title: "t"}, Account: Account{ID: "a", Password: "p"}}},
		{"missing account", PostRequest{Post: PostData{Title: "t", Content: "c"}, Account: Account{Password: "p"}}},
		{"missing password", PostRequest{Post: PostData{Title: "t", Content: "c"}, Account: Account{ID: "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Submit(ctx, tc.req); xerrors.CodeOf(err) != CodeTaskValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, nil, 3)
	ctx := context.Background()

	created, err := svc.Submit(ctx, validRequest())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if created != nil {
		t.Fatalf("expected nil task on publish failure, got %+v", created)
	}

	// 入队失败的任务不能停留在 pending，否则调用方会无限轮询。
	tasks, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed {
		t.Fatalf("expected single failed task, got %+v", tasks)
	}
	if tasks[0].ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected error code: %s", tasks[0].ErrorCode)
	}
}

func TestServiceCancelForwardsToRegistry(t *testing.T) {
	store := NewMemoryStore()
	registry := NewCancelRegistry()
	svc := NewService(store, &capturingProducer{}, registry, 3)
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "r1", Title: "t", Status: StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	flag := registry.Register("r1")
	defer registry.Unregister("r1")

	updated, err := svc.Cancel(ctx, "r1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusInProgress || !updated.CancelRequested {
		t.Fatalf("unexpected task after cancel: %+v", updated)
	}
	if !flag.Cancelled() {
		t.Fatal("expected local flag to be signalled")
	}
}

func TestServiceCancelUnknownTask(t *testing.T) {
	svc := NewService(NewMemoryStore(), &capturingProducer{}, nil, 3)
	if _, err := svc.Cancel(context.Background(), "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
