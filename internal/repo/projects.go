package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
)

const projectColumnsSQL = `id,user_id,name,description,repo_url,repo_owner,repo_name,settings_json,is_active,created_at,updated_at`

// NewProject carries the fields accepted on creation.
type NewProject struct {
	UserID      string
	Name        string
	Description string
	RepoURL     string
	RepoOwner   string
	RepoName    string
	Settings    map[string]any
}

func scanProject(s scanner) (domain.Project, error) {
	var p domain.Project
	var desc, repoURL, repoOwner, repoName sql.NullString
	var settings string
	err := s.Scan(&p.ID, &p.UserID, &p.Name, &desc, &repoURL, &repoOwner, &repoName, &settings, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = desc.String
	p.RepoURL = repoURL.String
	p.RepoOwner = repoOwner.String
	p.RepoName = repoName.String
	p.Settings = map[string]any{}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
			return p, fmt.Errorf("decode project settings: %w", err)
		}
	}
	return p, nil
}

func (r Repo) CreateProject(ctx context.Context, np NewProject) (domain.Project, error) {
	if err := r.ready(); err != nil {
		return domain.Project{}, err
	}
	if np.Name == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	if np.RepoOwner == "" && np.RepoName == "" {
		np.RepoOwner, np.RepoName = domain.ParseRepoURL(np.RepoURL)
	}
	if np.Settings == nil {
		np.Settings = map[string]any{}
	}
	settings, err := marshalJSON(np.Settings)
	if err != nil {
		return domain.Project{}, fmt.Errorf("settings: %w", err)
	}
	now := domain.FormatTime(r.now())
	p := domain.Project{
		ID:          uuid.NewString(),
		UserID:      np.UserID,
		Name:        np.Name,
		Description: np.Description,
		RepoURL:     np.RepoURL,
		RepoOwner:   np.RepoOwner,
		RepoName:    np.RepoName,
		Settings:    np.Settings,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO projects(`+projectColumnsSQL+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.UserID, p.Name, nullable(p.Description), nullable(p.RepoURL), nullable(p.RepoOwner), nullable(p.RepoName),
		settings, p.IsActive, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return domain.Project{}, r.wrap(fmt.Errorf("insert project: %w", err))
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id, userID string) (domain.Project, error) {
	if err := r.ready(); err != nil {
		return domain.Project{}, err
	}
	p, err := scanProject(r.DB.QueryRowContext(ctx, r.q(`SELECT `+projectColumnsSQL+` FROM projects WHERE id=? AND user_id=?`), id, userID))
	return p, r.wrap(err)
}

// ListProjects returns the owner's projects, newest first.
func (r Repo) ListProjects(ctx context.Context, userID string, opts ListOptions) ([]domain.Project, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	query, args := r.page(`SELECT `+projectColumnsSQL+` FROM projects WHERE user_id=? ORDER BY created_at DESC, id DESC`, []any{userID}, opts)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, r.wrap(err)
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, r.wrap(rows.Err())
}

func (r Repo) UpdateProject(ctx context.Context, id, userID string, patch ProjectPatch) (domain.Project, error) {
	if err := r.ready(); err != nil {
		return domain.Project{}, err
	}
	if patch.Name != nil && *patch.Name == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", ErrInvalid)
	}
	if patch.RepoURL != nil && patch.RepoOwner == nil && patch.RepoName == nil {
		owner, name := domain.ParseRepoURL(*patch.RepoURL)
		patch.RepoOwner, patch.RepoName = &owner, &name
	}
	sets, err := patch.assignments()
	if err != nil {
		return domain.Project{}, err
	}
	clause, args, err := buildSet(projectColumns, sets, domain.FormatTime(r.now()))
	if err != nil {
		return domain.Project{}, err
	}
	args = append(args, id, userID)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE projects SET `+clause+` WHERE id=? AND user_id=?`), args...)
	if err != nil {
		return domain.Project{}, r.wrap(fmt.Errorf("update project: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Project{}, ErrNotFound
	}
	return r.GetProject(ctx, id, userID)
}

// DeleteProject removes the project only. Tasks pointing at it are kept.
func (r Repo) DeleteProject(ctx context.Context, id, userID string) error {
	if err := r.ready(); err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM projects WHERE id=? AND user_id=?`), id, userID)
	if err != nil {
		return r.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
