package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"taskpilot/internal/auth"
	"taskpilot/internal/identity"
	"taskpilot/internal/repo"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFromContext returns the caller bound by the auth middleware.
func identityFromContext(ctx context.Context) (auth.Identity, huma.StatusError) {
	if id, ok := ctx.Value(identityKey{}).(auth.Identity); ok && id.SubjectID != "" {
		return id, nil
	}
	return auth.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, error) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", auth.ErrMalformedHeader
	}
	return parts[1], nil
}

func publicPaths(basePath string) []string {
	return []string{
		path.Join(basePath, "health"),
		path.Join(basePath, "auth/register"),
		path.Join(basePath, "auth/login"),
		path.Join(basePath, "openapi.json"),
	}
}

func tokenError(err error) huma.StatusError {
	switch {
	case errors.Is(err, auth.ErrMalformedHeader):
		return newAPIError(http.StatusUnauthorized, "invalid_authorization_header", auth.ErrMalformedHeader.Error(), nil)
	case errors.Is(err, auth.ErrExpiredToken):
		return newAPIError(http.StatusUnauthorized, "token_expired", auth.ErrExpiredToken.Error(), nil)
	default:
		return newAPIError(http.StatusUnauthorized, "invalid_token", auth.ErrMalformedToken.Error(), nil)
	}
}

// publicRoutes lists the paths served without a bearer token.
func publicRoutes(basePath string, enableInitDB bool) map[string]bool {
	public := map[string]bool{}
	for _, p := range publicPaths(basePath) {
		public[p] = true
	}
	if enableInitDB {
		public[path.Join(basePath, "auth/init-db")] = true
	}
	return public
}

func newAuthMiddleware(basePath string, tokens auth.TokenService, enableInitDB bool, logger *slog.Logger) func(http.Handler) http.Handler {
	public := publicRoutes(basePath, enableInitDB)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, err := bearerToken(authz)
			if err == nil {
				var id auth.Identity
				id, err = tokens.Verify(token)
				if err == nil {
					next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
					return
				}
			}
			logger.Warn("request rejected", "path", req.URL.Path, "reason", err.Error())
			respondStatusError(w, tokenError(err))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerAuth(api huma.API, cfg Config) {
	svc := cfg.Identity
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no data provided", nil)
		}
		sess, err := svc.Register(ctx, input.Body.Email, input.Body.Password, input.Body.FullName)
		cfg.Metrics.RecordAuth("register", outcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{User: sess.User, Token: sess.Token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no data provided", nil)
		}
		sess, err := svc.Login(ctx, input.Body.Email, input.Body.Password)
		cfg.Metrics.RecordAuth("login", outcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{User: sess.User, Token: sess.Token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := svc.CurrentUser(ctx, id.SubjectID)
		if err != nil {
			return nil, userLookupError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: UserResponse{User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/auth/me",
		Summary:     "Update profile or linked GitHub account",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectUnknownFields(ctx, profileFields...); err != nil {
			return nil, handleError(err)
		}
		u, err := svc.UpdateProfile(ctx, id.SubjectID, input.Body.patch())
		if err != nil {
			return nil, userLookupError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: UserResponse{User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "init-db",
		Method:      http.MethodPost,
		Path:        "/auth/init-db",
		Summary:     "Apply database migrations",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InitDBResponse `json:"body"`
	}, error) {
		v, err := runMigrations(ctx, cfg.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.logger().Info("database initialized", "schema_version", v)
		return &struct {
			Body InitDBResponse `json:"body"`
		}{Body: InitDBResponse{Message: "database initialized", SchemaVersion: v}}, nil
	})
}

func userLookupError(err error) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "user not found", nil)
	}
	return handleError(err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, identity.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, identity.ErrMissingCredentials):
		return "missing_credentials"
	default:
		return "error"
	}
}
