package server

import (
	"taskpilot/internal/domain"
	"taskpilot/internal/legacy"
	"taskpilot/internal/repo"
)

// Request payloads

type RegisterRequest struct {
	Email    string  `json:"email,omitempty" example:"dev@example.com"`
	Password string  `json:"password,omitempty"`
	FullName *string `json:"full_name,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email,omitempty" example:"dev@example.com"`
	Password string `json:"password,omitempty"`
}

type UpdateProfileRequest struct {
	_              struct{} `json:"-" additionalProperties:"true"`
	FullName       *string  `json:"full_name,omitempty"`
	GitHubID       *string  `json:"github_id,omitempty"`
	GitHubUsername *string  `json:"github_username,omitempty"`
}

var profileFields = []string{"full_name", "github_id", "github_username"}

func (r UpdateProfileRequest) patch() repo.UserPatch {
	return repo.UserPatch{
		FullName:       r.FullName,
		GitHubID:       r.GitHubID,
		GitHubUsername: r.GitHubUsername,
	}
}

type CreateProjectRequest struct {
	Name        string         `json:"name" example:"alpha"`
	Description string         `json:"description,omitempty"`
	RepoURL     string         `json:"repo_url,omitempty" example:"https://github.com/acme/alpha"`
	RepoOwner   string         `json:"repo_owner,omitempty"`
	RepoName    string         `json:"repo_name,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

type UpdateProjectRequest struct {
	_           struct{}       `json:"-" additionalProperties:"true"`
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	RepoURL     *string        `json:"repo_url,omitempty"`
	RepoOwner   *string        `json:"repo_owner,omitempty"`
	RepoName    *string        `json:"repo_name,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	IsActive    *bool          `json:"is_active,omitempty"`
}

var projectFields = []string{"name", "description", "repo_url", "repo_owner", "repo_name", "settings", "is_active"}

func (r UpdateProjectRequest) patch() repo.ProjectPatch {
	return repo.ProjectPatch{
		Name:        r.Name,
		Description: r.Description,
		RepoURL:     r.RepoURL,
		RepoOwner:   r.RepoOwner,
		RepoName:    r.RepoName,
		Settings:    r.Settings,
		IsActive:    r.IsActive,
	}
}

type CreateTaskRequest struct {
	ProjectID    *string `json:"project_id,omitempty"`
	RepoURL      string  `json:"repo_url,omitempty"`
	TargetBranch string  `json:"target_branch,omitempty" example:"main"`
	Agent        string  `json:"agent,omitempty" example:"claude"`
	Prompt       string  `json:"prompt,omitempty" doc:"Stored as the first user chat message."`
}

type UpdateTaskRequest struct {
	_                 struct{}       `json:"-" additionalProperties:"true"`
	ProjectID         *string        `json:"project_id,omitempty"`
	RepoURL           *string        `json:"repo_url,omitempty"`
	TargetBranch      *string        `json:"target_branch,omitempty"`
	Agent             *string        `json:"agent,omitempty"`
	Status            *string        `json:"status,omitempty" doc:"pending, running, completed, failed or cancelled"`
	ExecutionMetadata map[string]any `json:"execution_metadata,omitempty"`
	ContainerID       *string        `json:"container_id,omitempty"`
	CommitHash        *string        `json:"commit_hash,omitempty"`
	GitDiff           *string        `json:"git_diff,omitempty"`
	GitPatch          *string        `json:"git_patch,omitempty"`
	ChangedFiles      *[]string      `json:"changed_files,omitempty"`
	Error             *string        `json:"error,omitempty"`
	StartedAt         *string        `json:"started_at,omitempty"`
	CompletedAt       *string        `json:"completed_at,omitempty"`
}

var taskFields = []string{
	"project_id", "repo_url", "target_branch", "agent", "status", "execution_metadata",
	"container_id", "commit_hash", "git_diff", "git_patch", "changed_files", "error",
	"started_at", "completed_at",
}

func (r UpdateTaskRequest) patch() repo.TaskPatch {
	return repo.TaskPatch{
		ProjectID:         r.ProjectID,
		RepoURL:           r.RepoURL,
		TargetBranch:      r.TargetBranch,
		Agent:             r.Agent,
		Status:            r.Status,
		ExecutionMetadata: r.ExecutionMetadata,
		ContainerID:       r.ContainerID,
		CommitHash:        r.CommitHash,
		GitDiff:           r.GitDiff,
		GitPatch:          r.GitPatch,
		ChangedFiles:      r.ChangedFiles,
		Error:             r.Error,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
}

type AppendMessageRequest struct {
	Role    string `json:"role,omitempty" example:"user" doc:"Defaults to user."`
	Content string `json:"content"`
}

// MigrateLegacyRequest carries records in the legacy task layout. Ids may be
// numbers or strings.
type MigrateLegacyRequest struct {
	Tasks []map[string]any `json:"tasks"`
}

// Response payloads

type HealthResponse struct {
	Status   string `json:"status" enum:"ok,degraded"`
	Database string `json:"database" enum:"up,down,disabled"`
}

type SessionResponse struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

type UserResponse struct {
	User domain.User `json:"user"`
}

type InitDBResponse struct {
	Message       string `json:"message"`
	SchemaVersion int    `json:"schema_version"`
}

type MigrateLegacyResponse struct {
	Migrated []domain.Task    `json:"migrated"`
	Skipped  []string         `json:"skipped"`
	Failed   []legacy.Failure `json:"failed"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
