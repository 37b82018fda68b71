package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
)

const userColumnsSQL = `id,email,password_hash,full_name,github_id,github_username,created_at,updated_at`

func scanUser(s scanner) (domain.User, error) {
	var u domain.User
	var fullName, githubID, githubUsername sql.NullString
	err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &fullName, &githubID, &githubUsername, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.FullName = stringPtr(fullName)
	u.GitHubID = stringPtr(githubID)
	u.GitHubUsername = stringPtr(githubUsername)
	return u, nil
}

// CreateUser stores a new user. The email is kept exactly as given.
func (r Repo) CreateUser(ctx context.Context, email, passwordHash string, fullName *string) (domain.User, error) {
	if err := r.ready(); err != nil {
		return domain.User{}, err
	}
	now := domain.FormatTime(r.now())
	u := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		FullName:     fullName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO users(id,email,password_hash,full_name,created_at,updated_at) VALUES (?,?,?,?,?,?)`),
		u.ID, u.Email, u.PasswordHash, nullableStringPtr(u.FullName), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", email, ErrConflict)
		}
		return domain.User{}, r.wrap(fmt.Errorf("insert user: %w", err))
	}
	return u, nil
}

func (r Repo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	if err := r.ready(); err != nil {
		return domain.User{}, err
	}
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumnsSQL+` FROM users WHERE id=?`), id))
	return u, r.wrap(err)
}

// GetUserByEmail matches the email case-sensitively.
func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	if err := r.ready(); err != nil {
		return domain.User{}, err
	}
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumnsSQL+` FROM users WHERE email=?`), email))
	return u, r.wrap(err)
}

func (r Repo) UpdateUser(ctx context.Context, id string, patch UserPatch) (domain.User, error) {
	if err := r.ready(); err != nil {
		return domain.User{}, err
	}
	clause, args, err := buildSet(userColumns, patch.assignments(), domain.FormatTime(r.now()))
	if err != nil {
		return domain.User{}, err
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE users SET `+clause+` WHERE id=?`), args...)
	if err != nil {
		return domain.User{}, r.wrap(fmt.Errorf("update user: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, ErrNotFound
	}
	return r.GetUserByID(ctx, id)
}
