// Package remote is the HTTP client for the remote task service. Every
// call is routed through the rate-limited executor; the client's only jobs
// are request shaping, auth, response decoding, and turning rate-limit
// headers into executor observations.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/steveyegge/taskmirror/internal/executor"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.taskservice.dev/v1"

// apiKeyHeader carries the static account key on every request.
const apiKeyHeader = "X-API-Key"

// Rate-limit headers returned on every response.
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
	headerRetryAfter    = "Retry-After"
)

// Task is a task as the service represents it.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Project is a remote project (workspace list entry).
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewTask is the create-task request body.
type NewTask struct {
	ProjectID   string     `json:"projectId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// TaskUpdate is the partial-update request body; nil fields are untouched.
type TaskUpdate struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Priority    *string    `json:"priority,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server-provided hold-off on 429 responses, zero
	// otherwise.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote service returned %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements executor.StatusCoder for retry classification.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	APIKey  string
	// HTTPClient defaults to one with a 30s timeout.
	HTTPClient *http.Client
	Executor   *executor.Executor
	Logger     pslog.Logger
}

// Client talks to the remote task service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	exec    *executor.Executor
	logger  pslog.Logger
}

// NewClient returns a client. The executor is required; sharing one
// executor across clients of the same account keeps the admission budget
// global.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		exec:    cfg.Executor,
		logger:  logger,
	}, nil
}

// ListProjects returns all projects visible to the account.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	return executor.Do(ctx, c.exec, "GET /projects", executor.ClassRead,
		func(ctx context.Context) ([]Project, *executor.RateLimit, error) {
			var projects []Project
			rl, err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &projects)
			return projects, rl, err
		})
}

// ListTasks returns every task in a project.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	path := "/tasks?" + url.Values{"projectId": {projectID}}.Encode()
	return executor.Do(ctx, c.exec, "GET /tasks", executor.ClassRead,
		func(ctx context.Context) ([]Task, *executor.RateLimit, error) {
			var tasks []Task
			rl, err := c.doJSON(ctx, http.MethodGet, path, nil, &tasks)
			return tasks, rl, err
		})
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return executor.Do(ctx, c.exec, "GET /tasks/{id}", executor.ClassRead,
		func(ctx context.Context) (*Task, *executor.RateLimit, error) {
			var task Task
			rl, err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task)
			if err != nil {
				return nil, rl, err
			}
			return &task, rl, nil
		})
}

// CreateTask creates a task and returns the service's copy, including the
// assigned ID.
func (c *Client) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	return executor.Do(ctx, c.exec, "POST /tasks", executor.ClassWrite,
		func(ctx context.Context) (*Task, *executor.RateLimit, error) {
			var task Task
			rl, err := c.doJSON(ctx, http.MethodPost, "/tasks", nt, &task)
			if err != nil {
				return nil, rl, err
			}
			return &task, rl, nil
		})
}

// UpdateTask applies a partial update and returns the updated task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (*Task, error) {
	return executor.Do(ctx, c.exec, "PATCH /tasks/{id}", executor.ClassWrite,
		func(ctx context.Context) (*Task, *executor.RateLimit, error) {
			var task Task
			rl, err := c.doJSON(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), upd, &task)
			if err != nil {
				return nil, rl, err
			}
			return &task, rl, nil
		})
}

// DeleteTask removes a task from the service.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	_, err := executor.Do(ctx, c.exec, "DELETE /tasks/{id}", executor.ClassWrite,
		func(ctx context.Context) (struct{}, *executor.RateLimit, error) {
			rl, err := c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
			return struct{}{}, rl, err
		})
	return err
}

// doJSON performs one HTTP round trip. The rate-limit observation is
// returned even when the call fails, so the executor sees every window
// update the service sends.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (*executor.RateLimit, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rl := parseRateLimit(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rl, newAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return rl, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rl, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return rl, nil
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if payload.Message != "" {
				apiErr.Message = payload.Message
			} else {
				apiErr.Message = payload.Error
			}
		}
	}
	if secs, err := strconv.Atoi(resp.Header.Get(headerRetryAfter)); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// parseRateLimit extracts the service's rate-limit headers. Returns nil
// when the response carries none.
func parseRateLimit(resp *http.Response) *executor.RateLimit {
	limitStr := resp.Header.Get(headerRateLimit)
	remainingStr := resp.Header.Get(headerRateRemaining)
	resetStr := resp.Header.Get(headerRateReset)
	retryAfterStr := resp.Header.Get(headerRetryAfter)
	if limitStr == "" && remainingStr == "" && resetStr == "" && retryAfterStr == "" {
		return nil
	}

	rl := &executor.RateLimit{}
	if v, err := strconv.Atoi(limitStr); err == nil {
		rl.Limit = v
	}
	if v, err := strconv.Atoi(remainingStr); err == nil {
		rl.Remaining = v
	}
	if v, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
		rl.ResetAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.Atoi(retryAfterStr); err == nil && v > 0 {
		rl.RetryAfter = time.Duration(v) * time.Second
	}
	return rl
}
