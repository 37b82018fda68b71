// Package legacy moves tasks from the old flat JSON layout into the current
// task schema.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

const (
	MetaLegacyID   = "legacy_id"
	MetaMigratedAt = "migrated_at"
)

// Task is the pre-migration record. CreatedAt is unix seconds.
type Task struct {
	ID           LegacyID `json:"id" yaml:"id"`
	Prompt       string   `json:"prompt" yaml:"prompt"`
	RepoURL      string   `json:"repo_url" yaml:"repo_url"`
	Branch       string   `json:"branch" yaml:"branch"`
	Model        string   `json:"model" yaml:"model"`
	Status       string   `json:"status" yaml:"status"`
	ContainerID  *string  `json:"container_id" yaml:"container_id"`
	CommitHash   *string  `json:"commit_hash" yaml:"commit_hash"`
	GitDiff      *string  `json:"git_diff" yaml:"git_diff"`
	GitPatch     *string  `json:"git_patch" yaml:"git_patch"`
	ChangedFiles []string `json:"changed_files" yaml:"changed_files"`
	Error        *string  `json:"error" yaml:"error"`
	CreatedAt    float64  `json:"created_at" yaml:"created_at"`
}

// LegacyID accepts both numeric and string ids.
type LegacyID string

func (l *LegacyID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = LegacyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("legacy id: %w", err)
	}
	*l = LegacyID(n.String())
	return nil
}

// Store is what the migrator needs from persistence.
type Store interface {
	InsertTask(ctx context.Context, t domain.Task) error
	GetTaskByLegacyID(ctx context.Context, legacyID, userID string) (domain.Task, error)
}

var _ Store = repo.Repo{}

type Migrator struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

func (m Migrator) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Migrator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Convert maps a legacy record onto a new task owned by ownerID without
// storing it.
func (m Migrator) Convert(lt Task, ownerID string) (domain.Task, error) {
	if ownerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	now := m.now()
	status := lt.Status
	if status == "" {
		status = domain.StatusPending
	}
	if !domain.ValidStatus(status) {
		return domain.Task{}, fmt.Errorf("%w: %q", repo.ErrInvalidStatus, status)
	}
	created := now
	if lt.CreatedAt > 0 {
		created = unixToTime(lt.CreatedAt)
	}
	t := domain.Task{
		ID:           uuid.NewString(),
		UserID:       ownerID,
		RepoURL:      lt.RepoURL,
		TargetBranch: firstNonEmpty(lt.Branch, domain.DefaultTargetBranch),
		Agent:        firstNonEmpty(lt.Model, domain.DefaultAgent),
		Status:       status,
		ChatMessages: []domain.ChatMessage{},
		ExecutionMetadata: map[string]any{
			MetaLegacyID:   string(lt.ID),
			MetaMigratedAt: domain.FormatTime(now),
		},
		ContainerID:  lt.ContainerID,
		CommitHash:   lt.CommitHash,
		GitDiff:      lt.GitDiff,
		GitPatch:     lt.GitPatch,
		ChangedFiles: lt.ChangedFiles,
		Error:        lt.Error,
		CreatedAt:    domain.FormatTime(created),
		UpdatedAt:    domain.FormatTime(now),
	}
	if lt.ID != "" {
		id := string(lt.ID)
		t.LegacyID = &id
	}
	if t.ChangedFiles == nil {
		t.ChangedFiles = []string{}
	}
	if lt.Prompt != "" {
		t.ChatMessages = append(t.ChatMessages, domain.ChatMessage{
			Role:      domain.RoleUser,
			Content:   lt.Prompt,
			Timestamp: domain.FormatTime(created),
		})
	}
	return t, nil
}

// Migrate converts and stores one record. It does not check for an earlier
// migration of the same legacy id; MigrateAll does.
func (m Migrator) Migrate(ctx context.Context, lt Task, ownerID string) (domain.Task, error) {
	t, err := m.Convert(lt, ownerID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := m.Store.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("migrate legacy task %s: %w", lt.ID, err)
	}
	return t, nil
}

// Failure records why a legacy record was not migrated.
type Failure struct {
	LegacyID string `json:"legacy_id"`
	Error    string `json:"error"`
}

// Report summarizes a bulk migration.
type Report struct {
	Migrated []domain.Task `json:"migrated"`
	Skipped  []string      `json:"skipped"`
	Failed   []Failure     `json:"failed"`
}

// MigrateAll migrates each record once per owner, skipping legacy ids the
// owner already imported.
// Persistence outages abort the run.
func (m Migrator) MigrateAll(ctx context.Context, records []Task, ownerID string) (Report, error) {
	rep := Report{Migrated: []domain.Task{}, Skipped: []string{}, Failed: []Failure{}}
	for _, lt := range records {
		if lt.ID != "" {
			_, err := m.Store.GetTaskByLegacyID(ctx, string(lt.ID), ownerID)
			if err == nil {
				rep.Skipped = append(rep.Skipped, string(lt.ID))
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return rep, err
			}
		}
		t, err := m.Migrate(ctx, lt, ownerID)
		if errors.Is(err, repo.ErrUnavailable) {
			return rep, err
		}
		if err != nil {
			m.logger().Warn("legacy task not migrated", "legacy_id", string(lt.ID), "error", err)
			rep.Failed = append(rep.Failed, Failure{LegacyID: string(lt.ID), Error: err.Error()})
			continue
		}
		rep.Migrated = append(rep.Migrated, t)
	}
	m.logger().Info("legacy migration finished", "owner_id", ownerID,
		"migrated", len(rep.Migrated), "skipped", len(rep.Skipped), "failed", len(rep.Failed))
	return rep, nil
}

// Load reads legacy records from a JSON or YAML file. Either a list or an
// object keyed by id is accepted.
func Load(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return parseYAML(data)
	}
	return Parse(data)
}

// Parse decodes JSON legacy records.
func Parse(data []byte) ([]Task, error) {
	var list []Task
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var keyed map[string]Task
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("decode legacy tasks: %w", err)
	}
	return fromKeyed(keyed), nil
}

func parseYAML(data []byte) ([]Task, error) {
	var list []Task
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var keyed map[string]Task
	if err := yaml.Unmarshal(data, &keyed); err != nil {
		return nil, fmt.Errorf("decode legacy tasks: %w", err)
	}
	return fromKeyed(keyed), nil
}

func fromKeyed(keyed map[string]Task) []Task {
	out := make([]Task, 0, len(keyed))
	for id, t := range keyed {
		if t.ID == "" {
			t.ID = LegacyID(id)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func unixToTime(sec float64) time.Time {
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
