// Package identity implements registration, login and profile lookups on top
// of the password codec, the token service and the user store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"taskpilot/internal/auth"
	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

var (
	ErrAlreadyExists      = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingCredentials = errors.New("email and password are required")
)

// UserStore is the subset of the persistence gateway the service needs.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string, fullName *string) (domain.User, error)
	GetUserByID(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	UpdateUser(ctx context.Context, id string, patch repo.UserPatch) (domain.User, error)
}

var _ UserStore = repo.Repo{}

// Session is what register and login hand back.
type Session struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

type Service struct {
	Users  UserStore
	Codec  auth.Codec
	Tokens auth.TokenService
	Logger *slog.Logger
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Register creates a user. Emails are compared exactly as given.
func (s Service) Register(ctx context.Context, email, password string, fullName *string) (Session, error) {
	if email == "" || password == "" {
		return Session{}, ErrMissingCredentials
	}
	if _, err := s.Users.GetUserByEmail(ctx, email); err == nil {
		return Session{}, ErrAlreadyExists
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Session{}, err
	}
	hash, err := s.Codec.Hash(password)
	if err != nil {
		return Session{}, err
	}
	u, err := s.Users.CreateUser(ctx, email, hash, fullName)
	if errors.Is(err, repo.ErrConflict) {
		return Session{}, ErrAlreadyExists
	}
	if err != nil {
		return Session{}, err
	}
	token, err := s.Tokens.Issue(u.ID, u.Email)
	if err != nil {
		return Session{}, err
	}
	s.logger().Info("user registered", "user_id", u.ID)
	return Session{User: u, Token: token}, nil
}

// Login returns ErrInvalidCredentials for an unknown email and for a wrong
// password alike.
func (s Service) Login(ctx context.Context, email, password string) (Session, error) {
	if email == "" || password == "" {
		return Session{}, ErrMissingCredentials
	}
	u, err := s.Users.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		s.Codec.VerifyDummy(password)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if !s.Codec.Verify(password, u.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	token, err := s.Tokens.Issue(u.ID, u.Email)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token}, nil
}

// CurrentUser is a plain lookup; repo.ErrNotFound means the id no longer resolves.
func (s Service) CurrentUser(ctx context.Context, subjectID string) (domain.User, error) {
	return s.Users.GetUserByID(ctx, subjectID)
}

// UpdateProfile changes the caller's name or linked GitHub account.
func (s Service) UpdateProfile(ctx context.Context, subjectID string, patch repo.UserPatch) (domain.User, error) {
	u, err := s.Users.UpdateUser(ctx, subjectID, patch)
	if err != nil {
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	return u, nil
}
