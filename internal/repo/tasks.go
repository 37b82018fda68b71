package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskpilot/internal/db"
	"taskpilot/internal/domain"
)

const taskColumnsSQL = `id,user_id,project_id,repo_url,target_branch,agent,status,chat_messages_json,execution_metadata_json,container_id,commit_hash,git_diff,git_patch,changed_files_json,error,legacy_id,created_at,started_at,completed_at,updated_at`

// NewTask carries the fields accepted on creation.
type NewTask struct {
	UserID       string
	ProjectID    *string
	RepoURL      string
	TargetBranch string
	Agent        string
	// Prompt, when set, becomes the first user chat message.
	Prompt       string
	ChatMessages []domain.ChatMessage
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID string
	Status    string
	ListOptions
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var projectID, repoURL, containerID, commitHash, gitDiff, gitPatch, taskErr, legacyID, startedAt, completedAt sql.NullString
	var chat, meta, files string
	err := s.Scan(&t.ID, &t.UserID, &projectID, &repoURL, &t.TargetBranch, &t.Agent, &t.Status, &chat, &meta,
		&containerID, &commitHash, &gitDiff, &gitPatch, &files, &taskErr, &legacyID, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = stringPtr(projectID)
	t.RepoURL = repoURL.String
	t.ContainerID = stringPtr(containerID)
	t.CommitHash = stringPtr(commitHash)
	t.GitDiff = stringPtr(gitDiff)
	t.GitPatch = stringPtr(gitPatch)
	t.Error = stringPtr(taskErr)
	t.LegacyID = stringPtr(legacyID)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.ChatMessages = []domain.ChatMessage{}
	if err := unmarshalColumn(chat, &t.ChatMessages); err != nil {
		return t, fmt.Errorf("decode chat_messages: %w", err)
	}
	t.ExecutionMetadata = map[string]any{}
	if err := unmarshalColumn(meta, &t.ExecutionMetadata); err != nil {
		return t, fmt.Errorf("decode execution_metadata: %w", err)
	}
	t.ChangedFiles = []string{}
	if err := unmarshalColumn(files, &t.ChangedFiles); err != nil {
		return t, fmt.Errorf("decode changed_files: %w", err)
	}
	return t, nil
}

func unmarshalColumn(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// CreateTask stores a pending task for the owner. A project id must name a
// project owned by the same user.
func (r Repo) CreateTask(ctx context.Context, nt NewTask) (domain.Task, error) {
	if err := r.ready(); err != nil {
		return domain.Task{}, err
	}
	if nt.ProjectID != nil {
		if _, err := r.GetProject(ctx, *nt.ProjectID, nt.UserID); err != nil {
			return domain.Task{}, fmt.Errorf("project %s: %w", *nt.ProjectID, err)
		}
	}
	if nt.TargetBranch == "" {
		nt.TargetBranch = domain.DefaultTargetBranch
	}
	if nt.Agent == "" {
		nt.Agent = domain.DefaultAgent
	}
	now := domain.FormatTime(r.now())
	if strings.TrimSpace(nt.Prompt) != "" {
		nt.ChatMessages = append(nt.ChatMessages, domain.ChatMessage{
			Role:      domain.RoleUser,
			Content:   nt.Prompt,
			Timestamp: now,
		})
	}
	t := domain.Task{
		ID:                uuid.NewString(),
		UserID:            nt.UserID,
		ProjectID:         nt.ProjectID,
		RepoURL:           nt.RepoURL,
		TargetBranch:      nt.TargetBranch,
		Agent:             nt.Agent,
		Status:            domain.StatusPending,
		ChatMessages:      nt.ChatMessages,
		ExecutionMetadata: map[string]any{},
		ChangedFiles:      []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if t.ChatMessages == nil {
		t.ChatMessages = []domain.ChatMessage{}
	}
	if err := r.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// InsertTask writes a fully formed task as is.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !domain.ValidStatus(t.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalid)
	}
	if t.ChatMessages == nil {
		t.ChatMessages = []domain.ChatMessage{}
	}
	if t.ExecutionMetadata == nil {
		t.ExecutionMetadata = map[string]any{}
	}
	if t.ChangedFiles == nil {
		t.ChangedFiles = []string{}
	}
	chat, err := marshalJSON(t.ChatMessages)
	if err != nil {
		return fmt.Errorf("chat_messages: %w", err)
	}
	meta, err := marshalJSON(t.ExecutionMetadata)
	if err != nil {
		return fmt.Errorf("execution_metadata: %w", err)
	}
	files, err := marshalJSON(t.ChangedFiles)
	if err != nil {
		return fmt.Errorf("changed_files: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO tasks(`+taskColumnsSQL+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.UserID, nullableStringPtr(t.ProjectID), nullable(t.RepoURL), t.TargetBranch, t.Agent, t.Status, chat, meta,
		nullableStringPtr(t.ContainerID), nullableStringPtr(t.CommitHash), nullableStringPtr(t.GitDiff), nullableStringPtr(t.GitPatch),
		files, nullableStringPtr(t.Error), nullableStringPtr(t.LegacyID), t.CreatedAt, nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), t.UpdatedAt)
	if err != nil {
		return r.wrap(fmt.Errorf("insert task: %w", err))
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id, userID string) (domain.Task, error) {
	if err := r.ready(); err != nil {
		return domain.Task{}, err
	}
	return r.getTask(ctx, r.DB, id, userID)
}

func (r Repo) getTask(ctx context.Context, q queryer, id, userID string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, r.q(`SELECT `+taskColumnsSQL+` FROM tasks WHERE id=? AND user_id=?`), id, userID))
	return t, r.wrap(err)
}

// GetTaskByLegacyID finds the owner's task migrated from legacyID.
func (r Repo) GetTaskByLegacyID(ctx context.Context, legacyID, userID string) (domain.Task, error) {
	if err := r.ready(); err != nil {
		return domain.Task{}, err
	}
	t, err := scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumnsSQL+` FROM tasks WHERE legacy_id=? AND user_id=? ORDER BY created_at ASC, id ASC LIMIT 1`), legacyID, userID))
	return t, r.wrap(err)
}

// ListTasks returns the owner's tasks, newest first.
func (r Repo) ListTasks(ctx context.Context, userID string, f TaskFilter) ([]domain.Task, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	query := `SELECT ` + taskColumnsSQL + ` FROM tasks WHERE user_id=?`
	args := []any{userID}
	if f.ProjectID != "" {
		query += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query, args = r.page(query+" ORDER BY created_at DESC, id DESC", args, f.ListOptions)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, r.wrap(err)
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, r.wrap(rows.Err())
}

// UpdateTask applies patch to an owned task. A status change is checked
// against the current status and fills started_at / completed_at when the
// caller did not supply them.
func (r Repo) UpdateTask(ctx context.Context, id, userID string, patch TaskPatch) (domain.Task, error) {
	if err := r.ready(); err != nil {
		return domain.Task{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, r.wrap(err)
	}
	defer tx.Rollback()

	statusQuery := `SELECT status FROM tasks WHERE id=? AND user_id=?`
	if r.Driver == db.DriverPostgres {
		statusQuery += ` FOR UPDATE`
	}
	var current string
	err = tx.QueryRowContext(ctx, r.q(statusQuery), id, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, r.wrap(err)
	}
	now := domain.FormatTime(r.now())
	if patch.Status != nil {
		next := *patch.Status
		if !domain.ValidStatus(next) {
			return domain.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, next)
		}
		if !domain.CanTransition(current, next) {
			return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}
		if next != current {
			if next == domain.StatusRunning && patch.StartedAt == nil {
				patch.StartedAt = &now
			}
			if domain.IsTerminal(next) && patch.CompletedAt == nil {
				patch.CompletedAt = &now
			}
		}
	}
	sets, err := patch.assignments()
	if err != nil {
		return domain.Task{}, err
	}
	clause, args, err := buildSet(taskColumns, sets, now)
	if err != nil {
		return domain.Task{}, err
	}
	where := ` WHERE id=? AND user_id=?`
	args = append(args, id, userID)
	if patch.Status != nil {
		// status must still be the one the transition was checked against
		where += ` AND status=?`
		args = append(args, current)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE tasks SET `+clause+where), args...)
	if err != nil {
		return domain.Task{}, r.wrap(fmt.Errorf("update task: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Task{}, fmt.Errorf("%w: status changed concurrently from %s", ErrInvalidTransition, current)
	}
	t, err := r.getTask(ctx, tx, id, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, r.wrap(err)
	}
	return t, nil
}

// AppendChatMessage adds one message with a server timestamp. Appends to the
// same task are serialized through the Locker so none is lost.
func (r Repo) AppendChatMessage(ctx context.Context, id, userID, role, content string) (domain.Task, error) {
	if err := r.ready(); err != nil {
		return domain.Task{}, err
	}
	if role == "" {
		return domain.Task{}, fmt.Errorf("%w: role is required", ErrInvalid)
	}
	if r.Locker != nil {
		unlock, err := r.Locker.Lock(ctx, "task:"+id+":chat")
		if err != nil {
			return domain.Task{}, fmt.Errorf("lock task %s: %w", id, err)
		}
		defer unlock()
	}
	t, err := r.GetTask(ctx, id, userID)
	if err != nil {
		return domain.Task{}, err
	}
	msgs := append(t.ChatMessages, domain.ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: domain.FormatTime(r.now()),
	})
	return r.UpdateTask(ctx, id, userID, TaskPatch{ChatMessages: &msgs})
}
