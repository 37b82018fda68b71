package repo

import (
	"fmt"
	"strings"

	"taskpilot/internal/domain"
)

// Mutable columns per entity. Update clauses are built from these names only.
var (
	userColumns = map[string]bool{
		"full_name":       true,
		"github_id":       true,
		"github_username": true,
	}
	projectColumns = map[string]bool{
		"name":          true,
		"description":   true,
		"repo_url":      true,
		"repo_owner":    true,
		"repo_name":     true,
		"settings_json": true,
		"is_active":     true,
	}
	taskColumns = map[string]bool{
		"project_id":              true,
		"repo_url":                true,
		"target_branch":           true,
		"agent":                   true,
		"status":                  true,
		"chat_messages_json":      true,
		"execution_metadata_json": true,
		"container_id":            true,
		"commit_hash":             true,
		"git_diff":                true,
		"git_patch":               true,
		"changed_files_json":      true,
		"error":                   true,
		"started_at":              true,
		"completed_at":            true,
	}
)

type assignment struct {
	column string
	value  any
}

// buildSet renders "col=?,...,updated_at=?" after checking every column
// against allowed.
func buildSet(allowed map[string]bool, sets []assignment, updatedAt string) (string, []any, error) {
	fields := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+1)
	for _, s := range sets {
		if !allowed[s.column] {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, s.column)
		}
		fields = append(fields, s.column+"=?")
		args = append(args, s.value)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt)
	return strings.Join(fields, ","), args, nil
}

// UserPatch lists the user fields a caller may change.
type UserPatch struct {
	FullName       *string
	GitHubID       *string
	GitHubUsername *string
}

func (p UserPatch) assignments() []assignment {
	var sets []assignment
	if p.FullName != nil {
		sets = append(sets, assignment{"full_name", nullable(*p.FullName)})
	}
	if p.GitHubID != nil {
		sets = append(sets, assignment{"github_id", nullable(*p.GitHubID)})
	}
	if p.GitHubUsername != nil {
		sets = append(sets, assignment{"github_username", nullable(*p.GitHubUsername)})
	}
	return sets
}

// ProjectPatch lists the project fields an owner may change.
type ProjectPatch struct {
	Name        *string
	Description *string
	RepoURL     *string
	RepoOwner   *string
	RepoName    *string
	Settings    map[string]any
	IsActive    *bool
}

func (p ProjectPatch) assignments() ([]assignment, error) {
	var sets []assignment
	if p.Name != nil {
		sets = append(sets, assignment{"name", *p.Name})
	}
	if p.Description != nil {
		sets = append(sets, assignment{"description", nullable(*p.Description)})
	}
	if p.RepoURL != nil {
		sets = append(sets, assignment{"repo_url", nullable(*p.RepoURL)})
	}
	if p.RepoOwner != nil {
		sets = append(sets, assignment{"repo_owner", nullable(*p.RepoOwner)})
	}
	if p.RepoName != nil {
		sets = append(sets, assignment{"repo_name", nullable(*p.RepoName)})
	}
	if p.Settings != nil {
		js, err := marshalJSON(p.Settings)
		if err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		sets = append(sets, assignment{"settings_json", js})
	}
	if p.IsActive != nil {
		sets = append(sets, assignment{"is_active", *p.IsActive})
	}
	return sets, nil
}

// TaskPatch lists the task fields a caller may change. StartedAt and
// CompletedAt are normally derived from Status.
type TaskPatch struct {
	ProjectID         *string
	RepoURL           *string
	TargetBranch      *string
	Agent             *string
	Status            *string
	ChatMessages      *[]domain.ChatMessage
	ExecutionMetadata map[string]any
	ContainerID       *string
	CommitHash        *string
	GitDiff           *string
	GitPatch          *string
	ChangedFiles      *[]string
	Error             *string
	StartedAt         *string
	CompletedAt       *string
}

func (p TaskPatch) assignments() ([]assignment, error) {
	var sets []assignment
	str := func(col string, v *string) {
		if v != nil {
			sets = append(sets, assignment{col, nullable(*v)})
		}
	}
	str("project_id", p.ProjectID)
	str("repo_url", p.RepoURL)
	if p.TargetBranch != nil {
		sets = append(sets, assignment{"target_branch", *p.TargetBranch})
	}
	if p.Agent != nil {
		sets = append(sets, assignment{"agent", *p.Agent})
	}
	if p.Status != nil {
		sets = append(sets, assignment{"status", *p.Status})
	}
	if p.ChatMessages != nil {
		msgs := *p.ChatMessages
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		js, err := marshalJSON(msgs)
		if err != nil {
			return nil, fmt.Errorf("chat_messages: %w", err)
		}
		sets = append(sets, assignment{"chat_messages_json", js})
	}
	if p.ExecutionMetadata != nil {
		js, err := marshalJSON(p.ExecutionMetadata)
		if err != nil {
			return nil, fmt.Errorf("execution_metadata: %w", err)
		}
		sets = append(sets, assignment{"execution_metadata_json", js})
	}
	str("container_id", p.ContainerID)
	str("commit_hash", p.CommitHash)
	str("git_diff", p.GitDiff)
	str("git_patch", p.GitPatch)
	if p.ChangedFiles != nil {
		files := *p.ChangedFiles
		if files == nil {
			files = []string{}
		}
		js, err := marshalJSON(files)
		if err != nil {
			return nil, fmt.Errorf("changed_files: %w", err)
		}
		sets = append(sets, assignment{"changed_files_json", js})
	}
	str("error", p.Error)
	str("started_at", p.StartedAt)
	str("completed_at", p.CompletedAt)
	return sets, nil
}
