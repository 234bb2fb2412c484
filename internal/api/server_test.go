package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"BlogPilot/internal/task"
)

type nopProducer struct{}

func (nopProducer) Publish(context.Context, task.Envelope) error { return nil }
func (nopProducer) Close() error                                 { return nil }

func newTestServer() (*Server, *task.MemoryStore) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, nopProducer{}, nil, 3)
	return NewServer(":0", svc, nil), store
}

func TestHandleSubmit(t *testing.T) {
	server, _ := newTestServer()

	body := `{"postData":{"title":"hello","content":"world"},"account":{"id":"writer","password":"secret"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handlePosts(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}
	// 凭据不回显。
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("response leaked credentials")
	}
}

func TestHandleSubmitValidation(t *testing.T) {
	server, _ := newTestServer()

	body := `{"postData":{"title":"","content":"world"},"account":{"id":"writer","password":"secret"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/posts", strings.NewReader(body))
	rec := httptest.NewRecorder()

	server.handlePosts(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandlePostDetail(t *testing.T) {
	server, store := newTestServer()
	ctx := context.Background()

	sample := &task.Task{
		ID:              "task-success",
		Title:           "demo",
		Status:          task.StatusPending,
		MaxRedeliveries: 3,
	}
	if err := store.Create(ctx, sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}
	if _, err := store.Claim(ctx, sample.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, sample.ID, task.PostResult{URL: "https://blog.example/p/1"}, "puppeteer"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/posts/task-success", nil)
	rec := httptest.NewRecorder()

	server.handlePostDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.Status != task.StatusCompleted {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result == nil || got.Result.URL != "https://blog.example/p/1" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}
}

func TestHandlePostDetailErrors(t *testing.T) {
	server, _ := newTestServer()

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/posts/task-1", nil)
		rec := httptest.NewRecorder()

		server.handlePostDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/posts/", nil)
		rec := httptest.NewRecorder()

		server.handlePostDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/posts/missing", nil)
		rec := httptest.NewRecorder()

		server.handlePostDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleCancel(t *testing.T) {
	server, store := newTestServer()
	ctx := context.Background()

	if err := store.Create(ctx, &task.Task{ID: "p1", Title: "t", Status: task.StatusPending, MaxRedeliveries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/posts/p1", nil)
	rec := httptest.NewRecorder()

	server.handlePostDetail(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// 终态任务的取消请求返回冲突。
	rec = httptest.NewRecorder()
	server.handlePostDetail(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/posts/p1", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("unexpected health status: %s", resp.Status)
	}
}
