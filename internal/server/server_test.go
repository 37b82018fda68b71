package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"taskpilot/internal/auth"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/identity"
	"taskpilot/internal/legacy"
	"taskpilot/internal/metrics"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Tokens auth.TokenService
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOption func(*Config)

func withRateLimit(perMinute, burst int) serverOption {
	return func(c *Config) { c.RateLimit = RateLimitConfig{PerMinute: perMinute, Burst: burst} }
}

func degraded() serverOption {
	return func(c *Config) {
		c.Repo = repo.Repo{}
		c.Identity.Users = c.Repo
		c.Migrator.Store = c.Repo
	}
}

func newTestServer(t *testing.T, opts ...serverOption) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, db.DriverSQLite)
	tokens, err := auth.NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	reg := prometheus.NewRegistry()
	cfg := Config{
		Repo: r,
		Identity: identity.Service{
			Users:  r,
			Codec:  auth.NewCodec(bcrypt.MinCost),
			Tokens: tokens,
		},
		Tokens:   tokens,
		Migrator: legacy.Migrator{Store: r},
		BasePath: "/api",
		Metrics:  metrics.NewCollector(reg),
		Gatherer: reg,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Tokens: tokens,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
	return env
}

func register(t *testing.T, srv *testServer, email, password string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return sess
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"email":     "a@x.com",
		"password":  "pw1",
		"full_name": "Ada",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), "password") {
		t.Fatalf("password material leaked in response: %s", string(data))
	}
	var sess SessionResponse
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if sess.Token == "" || sess.User.Email != "a@x.com" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	id, err := srv.Tokens.Verify(sess.Token)
	if err != nil || id.SubjectID != sess.User.ID {
		t.Fatalf("token does not identify the new user: %v %+v", err, id)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "a@x.com", "password": "pw1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login SessionResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == sess.Token {
		t.Fatalf("login returned the registration token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me UserResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.User.ID != sess.User.ID || me.User.FullName == nil || *me.User.FullName != "Ada" {
		t.Fatalf("unexpected me: %+v", me.User)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/auth/me", map[string]any{
		"github_username": "ada",
	}, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update me status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.User.GitHubUsername == nil || *me.User.GitHubUsername != "ada" {
		t.Fatalf("github username not linked: %+v", me.User)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/auth/me", map[string]any{
		"email": "b@x.com",
	}, bearer(sess.Token))
	expectError(t, res, data, http.StatusBadRequest, "unknown_field")
}

func TestAuthFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	register(t, srv, "a@x.com", "pw1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"email": "a@x.com", "password": "other",
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "already_exists")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"email": "b@x.com",
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, wrongPw := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "a@x.com", "password": "nope",
	}, nil)
	wrong := expectError(t, res, wrongPw, http.StatusUnauthorized, "invalid_credentials")
	res, unknown := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "ghost@x.com", "password": "pw1",
	}, nil)
	missing := expectError(t, res, unknown, http.StatusUnauthorized, "invalid_credentials")
	if wrong.Error.Message != missing.Error.Message {
		t.Fatalf("login errors differ: %q vs %q", wrong.Error.Message, missing.Error.Message)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email": "A@x.com", "password": "pw1",
	}, nil)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestGatewayRejectsBadTokens(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sess := register(t, srv, "a@x.com", "pw1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	if res.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	for _, header := range []string{"Token " + sess.Token, sess.Token, "Bearer " + sess.Token + " extra"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, map[string]string{"Authorization": header})
		expectError(t, res, data, http.StatusUnauthorized, "invalid_authorization_header")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, map[string]string{"Authorization": "bearer " + sess.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scheme should be case-insensitive, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, bearer("not-a-jwt"))
	expectError(t, res, data, http.StatusUnauthorized, "invalid_token")

	other := auth.TokenService{Secret: []byte("other-secret")}
	forged, err := other.Issue(sess.User.ID, sess.User.Email)
	if err != nil {
		t.Fatalf("issue forged: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, bearer(forged))
	expectError(t, res, data, http.StatusUnauthorized, "invalid_token")

	stale := auth.TokenService{Secret: []byte(testSecret), Now: func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }}
	expired, err := stale.Issue(sess.User.ID, sess.User.Email)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, bearer(expired))
	expectError(t, res, data, http.StatusUnauthorized, "token_expired")

	orphan, err := srv.Tokens.Issue("no-such-user", "ghost@x.com")
	if err != nil {
		t.Fatalf("issue orphan: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, bearer(orphan))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestOwnershipIsolation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alice := register(t, srv, "alice@x.com", "pw")
	bob := register(t, srv, "bob@x.com", "pw")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/projects", map[string]any{
		"name":     "alpha",
		"repo_url": "https://github.com/acme/alpha.git",
	}, bearer(alice.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.RepoOwner != "acme" || p.RepoName != "alpha" || !p.IsActive {
		t.Fatalf("unexpected project: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects/"+p.ID, nil, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/projects/"+p.ID, map[string]any{"name": "stolen"}, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/projects/"+p.ID, nil, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/projects", nil, bearer(bob.Token))
	if res.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("bob should see no projects, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"project_id": p.ID,
		"prompt":     "steal",
	}, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"project_id": p.ID,
		"prompt":     "fix it",
	}, bearer(alice.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/messages", map[string]any{"content": "hi"}, bearer(bob.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/projects/"+p.ID, nil, bearer(alice.Token))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete project status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil, bearer(alice.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task should survive project delete, got %d: %s", res.StatusCode, string(data))
	}
}

func patchTask(t *testing.T, srv *testServer, token, id string, body map[string]any) (*http.Response, []byte, domain.Task) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+id, body, bearer(token))
	var task domain.Task
	if res.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, &task); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
	}
	return res, data, task
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	sess := register(t, srv, "a@x.com", "pw")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"repo_url": "https://github.com/acme/alpha",
		"prompt":   "add tests",
	}, bearer(sess.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.StatusPending || task.TargetBranch != "main" || task.Agent != "claude" {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if len(task.ChatMessages) != 1 || task.ChatMessages[0].Role != "user" || task.ChatMessages[0].Content != "add tests" {
		t.Fatalf("prompt not stored as first message: %+v", task.ChatMessages)
	}
	if task.StartedAt != nil || task.CompletedAt != nil {
		t.Fatalf("new task should have no lifecycle timestamps")
	}

	res, data, running := patchTask(t, srv, sess.Token, task.ID, map[string]any{"status": "running"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	if running.StartedAt == nil || running.CompletedAt != nil {
		t.Fatalf("started_at not set: %+v", running)
	}

	res, data, again := patchTask(t, srv, sess.Token, task.ID, map[string]any{"status": "running"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-set status %d: %s", res.StatusCode, string(data))
	}
	if *again.StartedAt != *running.StartedAt {
		t.Fatalf("started_at changed on re-set: %s -> %s", *running.StartedAt, *again.StartedAt)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": "pending"}, bearer(sess.Token))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data, done := patchTask(t, srv, sess.Token, task.ID, map[string]any{
		"status":        "completed",
		"commit_hash":   "abc123",
		"changed_files": []string{"main.go"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	if done.CompletedAt == nil || *done.StartedAt != *running.StartedAt {
		t.Fatalf("unexpected timestamps: %+v", done)
	}
	if done.CommitHash == nil || *done.CommitHash != "abc123" || len(done.ChangedFiles) != 1 {
		t.Fatalf("result fields not stored: %+v", done)
	}
	if done.UpdatedAt < running.UpdatedAt {
		t.Fatalf("updated_at went backwards")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": "failed"}, bearer(sess.Token))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"status": "paused"}, bearer(sess.Token))
	expectError(t, res, data, http.StatusBadRequest, "invalid_status")
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"user_id": "someone"}, bearer(sess.Token))
	expectError(t, res, data, http.StatusBadRequest, "unknown_field")
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"chat_messages": []any{}}, bearer(sess.Token))
	expectError(t, res, data, http.StatusBadRequest, "unknown_field")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks?status=completed", nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []domain.Task
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != task.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}
}

func TestChatAppend(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	sess := register(t, srv, "a@x.com", "pw")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks", map[string]any{"prompt": "first"}, bearer(sess.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/messages",
				strings.NewReader(`{"role":"assistant","content":"step"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+sess.Token)
			res, err := srv.Client().Do(req)
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			io.Copy(io.Discard, res.Body)
			res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("append status %d", res.StatusCode)
			}
		}()
	}
	wg.Wait()

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(task.ChatMessages) != 9 {
		t.Fatalf("expected 9 messages, got %d", len(task.ChatMessages))
	}
	if task.ChatMessages[0].Content != "first" {
		t.Fatalf("first message changed: %+v", task.ChatMessages[0])
	}
	for i := 1; i < len(task.ChatMessages); i++ {
		if task.ChatMessages[i].Timestamp < task.ChatMessages[i-1].Timestamp {
			t.Fatalf("messages out of order at %d", i)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks/missing/messages", map[string]any{"content": "x"}, bearer(sess.Token))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestMigrateLegacyEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	sess := register(t, srv, "a@x.com", "pw")
	body := map[string]any{"tasks": []map[string]any{
		{"id": 42, "prompt": "old work", "branch": "dev", "status": "completed", "created_at": 1700000000},
		{"id": "x-1", "prompt": "more"},
	}}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks/migrate-legacy", body, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("migrate status %d: %s", res.StatusCode, string(data))
	}
	var rep MigrateLegacyResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(rep.Migrated) != 2 || len(rep.Skipped) != 0 {
		t.Fatalf("unexpected first report: %+v", rep)
	}
	first := rep.Migrated[0]
	if first.TargetBranch != "dev" || first.Status != "completed" || first.ExecutionMetadata["legacy_id"] != "42" {
		t.Fatalf("unexpected migrated task: %+v", first)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/tasks/migrate-legacy", body, bearer(sess.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second migrate status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(rep.Migrated) != 0 || len(rep.Skipped) != 2 {
		t.Fatalf("expected everything skipped: %+v", rep)
	}
}

func TestDegradedMode(t *testing.T) {
	srv, cleanup := newTestServer(t, degraded())
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "degraded" || health.Database != "disabled" {
		t.Fatalf("unexpected health: %+v", health)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", map[string]any{"email": "a@x.com", "password": "pw"}, nil)
	expectError(t, res, data, http.StatusServiceUnavailable, "service_unavailable")

	token, err := srv.Tokens.Issue("u-1", "a@x.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/tasks", nil, bearer(token))
	expectError(t, res, data, http.StatusServiceUnavailable, "service_unavailable")
}

func TestHealthAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"database":"up"`) {
		t.Fatalf("unexpected health %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
	register(t, srv, "a@x.com", "pw")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `taskpilot_auth_attempts_total{op="register",outcome="success"} 1`) {
		t.Fatalf("register not counted:\n%s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi not served: %d", res.StatusCode)
	}
}

func TestInitDBRequiresFlagOrToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/init-db", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	open, cleanupOpen := newTestServer(t, func(c *Config) { c.EnableInitDB = true })
	defer cleanupOpen()
	res, data = doJSON(t, open.Client(), http.MethodPost, open.URL+"/api/auth/init-db", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("init-db status %d: %s", res.StatusCode, string(data))
	}
	var out InitDBResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal init-db: %v", err)
	}
	if out.SchemaVersion < 1 {
		t.Fatalf("unexpected schema version %d", out.SchemaVersion)
	}
}

func initDBSecurity(t *testing.T, srv *testServer) []map[string][]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	op, ok := doc.Paths["/api/auth/init-db"]["post"]
	if !ok {
		t.Fatalf("init-db missing from openapi document")
	}
	return op.Security
}

func TestOpenAPIDocumentServedOnceAndMatchesInitDBFlag(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatalf("unexpected openapi document outside the api base path")
	}
	if sec := initDBSecurity(t, srv); len(sec) == 0 {
		t.Fatalf("init-db should require bearerAuth when disabled")
	}

	open, cleanupOpen := newTestServer(t, func(c *Config) { c.EnableInitDB = true })
	defer cleanupOpen()
	if sec := initDBSecurity(t, open); len(sec) != 0 {
		t.Fatalf("init-db should be public when enabled, got %v", sec)
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, withRateLimit(1, 1))
	defer cleanup()
	body := map[string]any{"email": "a@x.com", "password": "pw"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first login status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", body, nil)
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not be limited: %d %s", res.StatusCode, string(data))
	}
}

func TestRateLimitIgnoresForwardedHeaders(t *testing.T) {
	srv, cleanup := newTestServer(t, withRateLimit(1, 1))
	defer cleanup()
	body := map[string]any{"email": "a@x.com", "password": "pw"}
	limited := 0
	for i := 0; i < 10; i++ {
		headers := map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)}
		res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", body, headers)
		if res.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 9 {
		t.Fatalf("expected 9 of 10 attempts limited, got %d", limited)
	}
}

func TestRateLimitTrustsProxyWhenConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, withRateLimit(1, 1), func(c *Config) { c.TrustProxy = true })
	defer cleanup()
	body := map[string]any{"email": "a@x.com", "password": "pw"}
	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", body, map[string]string{"X-Forwarded-For": ip})
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("client %s: expected 401, got %d: %s", ip, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/login", body, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}

func TestRateLimiterDropsIdleClients(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 1, TTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	if !rl.allow("10.0.0.1") || rl.allow("10.0.0.1") {
		t.Fatalf("expected one request then a rejection")
	}
	now = now.Add(2 * time.Minute)
	if !rl.allow("10.0.0.2") {
		t.Fatalf("second client should pass")
	}
	if rl.size() != 1 {
		t.Fatalf("idle client not dropped, size %d", rl.size())
	}
}
