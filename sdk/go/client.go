package taskpilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Taskpilot HTTP API client. Register and Login store the
// returned token for later calls.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for baseURL, which includes the API base path
// (for example http://127.0.0.1:8000/api).
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type User struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	FullName       *string `json:"full_name,omitempty"`
	GitHubID       *string `json:"github_id,omitempty"`
	GitHubUsername *string `json:"github_username,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	RepoURL     string         `json:"repo_url,omitempty"`
	RepoOwner   string         `json:"repo_owner,omitempty"`
	RepoName    string         `json:"repo_name,omitempty"`
	Settings    map[string]any `json:"settings"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Task represents the API task model.
type Task struct {
	ID                string         `json:"id"`
	ProjectID         *string        `json:"project_id,omitempty"`
	RepoURL           string         `json:"repo_url,omitempty"`
	TargetBranch      string         `json:"target_branch"`
	Agent             string         `json:"agent"`
	Status            string         `json:"status"`
	ChatMessages      []ChatMessage  `json:"chat_messages"`
	ExecutionMetadata map[string]any `json:"execution_metadata"`
	CommitHash        *string        `json:"commit_hash,omitempty"`
	ChangedFiles      []string       `json:"changed_files"`
	Error             *string        `json:"error,omitempty"`
	CreatedAt         string         `json:"created_at"`
	StartedAt         *string        `json:"started_at,omitempty"`
	CompletedAt       *string        `json:"completed_at,omitempty"`
	UpdatedAt         string         `json:"updated_at"`
}

// NewTask is the create-task payload.
type NewTask struct {
	ProjectID    *string `json:"project_id,omitempty"`
	RepoURL      string  `json:"repo_url,omitempty"`
	TargetBranch string  `json:"target_branch,omitempty"`
	Agent        string  `json:"agent,omitempty"`
	Prompt       string  `json:"prompt,omitempty"`
}

// TaskUpdate carries the fields to change. Nil fields are left alone.
type TaskUpdate struct {
	Status       *string   `json:"status,omitempty"`
	ContainerID  *string   `json:"container_id,omitempty"`
	CommitHash   *string   `json:"commit_hash,omitempty"`
	GitDiff      *string   `json:"git_diff,omitempty"`
	GitPatch     *string   `json:"git_patch,omitempty"`
	ChangedFiles *[]string `json:"changed_files,omitempty"`
	Error        *string   `json:"error,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type session struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

func (c *Client) Register(ctx context.Context, email, password string) (User, error) {
	var resp session
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return User{}, err
	}
	c.Token = resp.Token
	return resp.User, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp session
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.Token = resp.Token
	return resp.User, nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "auth/me", nil, &resp)
	return resp.User, err
}

func (c *Client) CreateProject(ctx context.Context, name, repoURL string) (Project, error) {
	var resp Project
	body := map[string]any{"name": name}
	if repoURL != "" {
		body["repo_url"] = repoURL
	}
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context, limit, offset int) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects"+pageQuery(nil, limit, offset), nil, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks filters by status when status is non-empty.
func (c *Client) ListTasks(ctx context.Context, status string, limit, offset int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks"+pageQuery(q, limit, offset), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), u, &resp)
	return resp, err
}

// AppendMessage adds a chat message; an empty role means user.
func (c *Client) AppendMessage(ctx context.Context, id, role, content string) (Task, error) {
	var resp Task
	body := map[string]any{"content": content}
	if role != "" {
		body["role"] = role
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/messages", body, &resp)
	return resp, err
}

func pageQuery(q url.Values, limit, offset int) string {
	if q == nil {
		q = url.Values{}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
