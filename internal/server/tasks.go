package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskpilot/internal/domain"
	"taskpilot/internal/legacy"
	"taskpilot/internal/repo"
)

func registerTasks(api huma.API, cfg Config) {
	r := cfg.Repo
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := r.CreateTask(ctx, repo.NewTask{
			UserID:       id.SubjectID,
			ProjectID:    input.Body.ProjectID,
			RepoURL:      input.Body.RepoURL,
			TargetBranch: input.Body.TargetBranch,
			Agent:        input.Body.Agent,
			Prompt:       input.Body.Prompt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List the caller's tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" minimum:"0" maximum:"200"`
		Offset    int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.ValidStatus(input.Status) {
			return nil, handleError(repo.ErrInvalidStatus)
		}
		items, err := r.ListTasks(ctx, id.SubjectID, repo.TaskFilter{
			ProjectID:   input.ProjectID,
			Status:      input.Status,
			ListOptions: repo.ListOptions{Limit: normalizeLimit(input.Limit), Offset: input.Offset},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := r.GetTask(ctx, input.ID, id.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Description: "Status changes are checked against the current status. Entering running sets started_at and entering a terminal status sets completed_at unless the body supplies them.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := rejectUnknownFields(ctx, taskFields...); err != nil {
			return nil, handleError(err)
		}
		t, err := r.UpdateTask(ctx, input.ID, id.SubjectID, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-task-message",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/messages",
		Summary:     "Append a chat message",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AppendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.Role
		if role == "" {
			role = domain.RoleUser
		}
		t, err := r.AppendChatMessage(ctx, input.ID, id.SubjectID, role, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Metrics.RecordChatAppend()
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "migrate-legacy-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/migrate-legacy",
		Summary:     "Import legacy tasks for the caller",
		Description: "Records whose legacy id was already imported are skipped.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body MigrateLegacyRequest `json:"body"`
	}) (*struct {
		Body MigrateLegacyResponse `json:"body"`
	}, error) {
		id, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := json.Marshal(input.Body.Tasks)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid tasks", nil)
		}
		records, err := legacy.Parse(raw)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rep, err := cfg.Migrator.MigrateAll(ctx, records, id.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Metrics.RecordLegacyMigrated(len(rep.Migrated))
		return &struct {
			Body MigrateLegacyResponse `json:"body"`
		}{Body: MigrateLegacyResponse{
			Migrated: nonNilSlice(rep.Migrated),
			Skipped:  nonNilSlice(rep.Skipped),
			Failed:   nonNilSlice(rep.Failed),
		}}, nil
	})
}
