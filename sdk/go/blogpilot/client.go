package blogpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the BlogPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Account carries the target site credentials. They travel with the request
// and are never echoed back by the server.
type Account struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// Post is the article content to publish.
type Post struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
	Tags     string `json:"tags,omitempty"`
}

// Submission is the payload required to create a new posting task.
type Submission struct {
	Post    Post    `json:"postData"`
	Account Account `json:"account"`
}

// PostResult describes a successful publication.
type PostResult struct {
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	PostedAt int64  `json:"posted_at,omitempty"`
}

// Task is the server-side view of a posting task.
type Task struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Status          string      `json:"status"`
	Progress        int         `json:"progress"`
	Stage           string      `json:"stage,omitempty"`
	Result          *PostResult `json:"result,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	EngineUsed      string      `json:"engine_used,omitempty"`
	Attempts        int         `json:"attempts"`
	MaxRedeliveries int         `json:"max_redeliveries"`
	CreatedAt       int64       `json:"created_at"`
	UpdatedAt       int64       `json:"updated_at"`
}

// Terminal reports whether the task has reached a final state.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// ListOptions narrows down the tasks returned by ListTasks.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("blogpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the BlogPilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitPost creates a new posting task and returns its initial snapshot.
func (c *Client) SubmitPost(ctx context.Context, submission Submission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/posts", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task snapshot by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var got Task
	if err := c.get(ctx, "/api/v1/posts/"+url.PathEscape(taskID), &got); err != nil {
		return Task{}, err
	}
	return got, nil
}

// CancelTask requests cancellation and returns the updated snapshot. A task
// that is already running keeps its status until the worker observes the flag.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/posts/"+url.PathEscape(taskID), nil)
	if err != nil {
		return Task{}, err
	}
	var cancelled Task
	if err := c.do(req, &cancelled); err != nil {
		return Task{}, err
	}
	return cancelled, nil
}

// ListTasks returns recent tasks matching the options.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		joined := opts.Statuses[0]
		for _, status := range opts.Statuses[1:] {
			joined += "," + status
		}
		query.Set("status", joined)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}

	endpoint := "/api/v1/posts"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// WaitForTask polls the task until it reaches a terminal state or the context
// is cancelled.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		got, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if got.Terminal() {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
