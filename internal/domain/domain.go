package domain

import (
	"net/url"
	"strings"
	"time"
)

// TimeLayout is fixed width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type User struct {
	ID             string  `json:"id"`
	Email          string  `json:"email"`
	PasswordHash   string  `json:"-"`
	FullName       *string `json:"full_name,omitempty"`
	GitHubID       *string `json:"github_id,omitempty"`
	GitHubUsername *string `json:"github_username,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Project struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	RepoURL     string         `json:"repo_url,omitempty"`
	RepoOwner   string         `json:"repo_owner,omitempty"`
	RepoName    string         `json:"repo_name,omitempty"`
	Settings    map[string]any `json:"settings"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type ChatMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Task struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	ProjectID         *string        `json:"project_id,omitempty"`
	RepoURL           string         `json:"repo_url,omitempty"`
	TargetBranch      string         `json:"target_branch"`
	Agent             string         `json:"agent"`
	Status            string         `json:"status" enum:"pending,running,completed,failed,cancelled"`
	ChatMessages      []ChatMessage  `json:"chat_messages"`
	ExecutionMetadata map[string]any `json:"execution_metadata"`
	ContainerID       *string        `json:"container_id,omitempty"`
	CommitHash        *string        `json:"commit_hash,omitempty"`
	GitDiff           *string        `json:"git_diff,omitempty"`
	GitPatch          *string        `json:"git_patch,omitempty"`
	ChangedFiles      []string       `json:"changed_files"`
	Error             *string        `json:"error,omitempty"`
	LegacyID          *string        `json:"legacy_id,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	StartedAt         *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string        `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	DefaultTargetBranch = "main"
	DefaultAgent        = "claude"
	RoleUser            = "user"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further lifecycle transition is expected from s.
func IsTerminal(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether a task may move from one status to another.
// Re-setting the current status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || IsTerminal(to)
	case StatusRunning:
		return IsTerminal(to)
	}
	return false
}

// ParseRepoURL extracts owner and name from a GitHub style URL such as
// https://github.com/owner/name.git or git@github.com:owner/name.git.
func ParseRepoURL(raw string) (owner, name string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	var path string
	if strings.HasPrefix(raw, "git@") {
		if i := strings.Index(raw, ":"); i >= 0 {
			path = raw[i+1:]
		}
	} else if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}
