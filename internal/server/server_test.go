package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/threadbox/internal/auth"
	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/ratelimit"
	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/sandbox"
	"github.com/ashita-ai/threadbox/internal/secrets"
	"github.com/ashita-ai/threadbox/internal/server"
	"github.com/ashita-ai/threadbox/internal/service/models"
	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
	"github.com/ashita-ai/threadbox/internal/testutil"
)

type testEnv struct {
	srv   *httptest.Server
	rt    *runtime.MockRuntime
	store storage.Store
}

type envOpt func(*server.ServerConfig)

func newEnv(t *testing.T, opts ...envOpt) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewSQLiteStore(t)
	rt := runtime.NewMockRuntime()

	profile := sandbox.DefaultProfile()
	profile.SettleDelay = 0
	svc := threads.New(store,
		sandbox.NewProvisioner(rt, profile, logger),
		sandbox.NewExecutor(rt, logger),
		logger, threads.Options{})

	cfg := server.ServerConfig{
		Threads:             svc,
		Store:               store,
		Runtime:             rt,
		Models:              models.NewClient(5 * time.Second),
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, o := range opts {
		o(&cfg)
	}

	srv := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Drain(ctx)
	})
	return &testEnv{srv: srv, rt: rt, store: store}
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (int, envelope, http.Header) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env, resp.Header
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (e *testEnv) createThread(t *testing.T, name string) model.Thread {
	t.Helper()
	status, env, _ := e.do(t, "POST", "/v1/threads", map[string]any{"thread_name": name}, "")
	require.Equal(t, http.StatusCreated, status)
	return decode[model.Thread](t, env)
}

func (e *testEnv) waitForRun(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, env, _ := e.do(t, "GET", "/v1/threads/"+id+"/run", nil, "")
		return status == http.StatusOK && !decode[model.RunStatus](t, env).Active
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	status, env, hdr := e.do(t, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	h := decode[model.HealthResponse](t, env)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "connected", h.Storage)
	assert.Equal(t, "connected", h.Runtime)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.Equal(t, env.Meta.RequestID, hdr.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", hdr.Get("X-Content-Type-Options"))

	e.rt.SetError("Ping", errors.New("daemon gone"))
	status, env, _ = e.do(t, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	h = decode[model.HealthResponse](t, env)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.Runtime)
}

func TestOpenAPISpec(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", string(body))
}

func TestThreadLifecycle(t *testing.T) {
	e := newEnv(t)
	th := e.createThread(t, "demo")
	assert.Equal(t, model.ThreadStateIdle, th.State)
	assert.Len(t, th.ID, model.IDLength)
	e.rt.SetExecResult(th.ID+"_sandbox", runtime.ExecResult{Output: "Hello, World!\n"})

	status, env, _ := e.do(t, "POST", "/v1/threads/"+th.ID+"/start", nil, "")
	require.Equal(t, http.StatusAccepted, status)
	started := decode[model.StartThreadResponse](t, env)
	assert.Equal(t, "Thread starting", started.Message)
	assert.Equal(t, model.ThreadStateStarting, started.State)

	e.waitForRun(t, th.ID)

	status, env, _ = e.do(t, "GET", "/v1/threads/"+th.ID, nil, "")
	require.Equal(t, http.StatusOK, status)
	detail := decode[model.ThreadDetail](t, env)
	assert.Equal(t, model.ThreadStateCompleted, detail.State)
	assert.Equal(t, 1, detail.LogCount)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, "Hello, World!\n", detail.Logs[0].Payload)
	assert.True(t, detail.Health.Healthy)
	assert.Equal(t, "running", detail.Health.Status)

	status, env, _ = e.do(t, "GET", "/v1/threads", nil, "")
	require.Equal(t, http.StatusOK, status)
	list := decode[[]model.ThreadSummary](t, env)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].LogCount)

	status, env, _ = e.do(t, "DELETE", "/v1/threads/"+th.ID, nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, th.ID, decode[model.DeleteThreadResponse](t, env).ThreadID)
	assert.Len(t, e.rt.GetCallsFor("RemoveContainer"), 1)

	status, env, _ = e.do(t, "GET", "/v1/threads/"+th.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestGetThread_NoSandboxYet(t *testing.T) {
	e := newEnv(t)
	th := e.createThread(t, "fresh")

	status, env, _ := e.do(t, "GET", "/v1/threads/"+th.ID, nil, "")
	require.Equal(t, http.StatusOK, status)
	detail := decode[model.ThreadDetail](t, env)
	assert.False(t, detail.Health.Healthy)
	assert.Equal(t, "not created", detail.Health.Status)
	assert.Empty(t, detail.Logs)
}

func TestCreateThread_Validation(t *testing.T) {
	e := newEnv(t)

	status, env, _ := e.do(t, "POST", "/v1/threads", map[string]any{"metadata": map[string]any{"a": 1}}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	status, _, _ = e.do(t, "POST", "/v1/threads", `{"thread_name": 7}`, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = e.do(t, "POST", "/v1/threads", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpdateThread(t *testing.T) {
	e := newEnv(t)
	status, env, _ := e.do(t, "POST", "/v1/threads",
		map[string]any{"thread_name": "before", "metadata": map[string]any{"keep": "yes"}}, "")
	require.Equal(t, http.StatusCreated, status)
	th := decode[model.Thread](t, env)

	status, env, _ = e.do(t, "PUT", "/v1/threads/"+th.ID,
		map[string]any{"thread_name": "after", "metadata": map[string]any{"added": true}}, "")
	require.Equal(t, http.StatusOK, status)
	updated := decode[model.Thread](t, env)
	assert.Equal(t, "after", updated.Name)
	assert.Equal(t, "yes", updated.Metadata["keep"])
	assert.Equal(t, true, updated.Metadata["added"])

	status, env, _ = e.do(t, "PUT", "/v1/threads/"+th.ID, map[string]any{"state": "completed"}, "")
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Message, "state")

	status, _, _ = e.do(t, "PUT", "/v1/threads/"+model.NewID(), map[string]any{"thread_name": "x"}, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartThread_Errors(t *testing.T) {
	e := newEnv(t)

	status, _, _ := e.do(t, "POST", "/v1/threads/"+model.NewID()+"/start", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _, _ = e.do(t, "POST", "/v1/threads/not-an-id/start", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	th := e.createThread(t, "busy")
	gate := make(chan struct{})
	e.rt.SetExecGate(gate)

	status, _, _ = e.do(t, "POST", "/v1/threads/"+th.ID+"/start", nil, "")
	require.Equal(t, http.StatusAccepted, status)

	status, env, _ := e.do(t, "POST", "/v1/threads/"+th.ID+"/start", nil, "")
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	status, env, _ = e.do(t, "GET", "/v1/threads/"+th.ID+"/run", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[model.RunStatus](t, env).Active)

	close(gate)
	e.waitForRun(t, th.ID)
}

func TestLogs(t *testing.T) {
	e := newEnv(t)
	th := e.createThread(t, "chat")

	status, env, _ := e.do(t, "POST", "/v1/threads/"+th.ID+"/logs",
		map[string]any{"sender": "user", "type": "message", "payload": "hi", "metadata": map[string]any{"n": 1}}, "")
	require.Equal(t, http.StatusCreated, status)
	first := decode[model.Log](t, env)
	assert.Equal(t, th.ID, first.ThreadID)

	status, _, _ = e.do(t, "POST", "/v1/threads/"+th.ID+"/logs",
		map[string]any{"sender": "user", "type": "message"}, "")
	assert.Equal(t, http.StatusBadRequest, status, "payload is required")

	status, _, _ = e.do(t, "POST", "/v1/threads/"+model.NewID()+"/logs",
		map[string]any{"sender": "user", "type": "message", "payload": "x"}, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = e.do(t, "POST", "/v1/threads/"+th.ID+"/logs",
		map[string]any{"sender": "assistant", "type": "message", "payload": "hello"}, "")
	require.Equal(t, http.StatusCreated, status)

	status, env, _ = e.do(t, "GET", "/v1/threads/"+th.ID+"/logs", nil, "")
	require.Equal(t, http.StatusOK, status)
	logs := decode[[]model.Log](t, env)
	require.Len(t, logs, 2)
	assert.Equal(t, "hi", logs[0].Payload, "oldest first")

	status, env, _ = e.do(t, "PUT", "/v1/logs/"+first.ID,
		map[string]any{"payload": "edited", "metadata": map[string]any{"m": 2}}, "")
	require.Equal(t, http.StatusOK, status)
	edited := decode[model.Log](t, env)
	assert.Equal(t, "edited", edited.Payload)
	assert.EqualValues(t, 1, edited.Metadata["n"])
	assert.EqualValues(t, 2, edited.Metadata["m"])

	status, _, _ = e.do(t, "PUT", "/v1/logs/"+first.ID, map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, status, "empty patch")

	status, _, _ = e.do(t, "DELETE", "/v1/logs/"+first.ID, nil, "")
	require.Equal(t, http.StatusOK, status)
	status, _, _ = e.do(t, "DELETE", "/v1/logs/"+first.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCompletionSettings(t *testing.T) {
	var gotAuth atomic.Value
	var upstreamDown atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		if upstreamDown.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"id":"zeta"},{"id":"alpha"}]}`))
	}))
	defer upstream.Close()

	box := secrets.New("settings-passphrase")
	e := newEnv(t, func(c *server.ServerConfig) { c.Secrets = box })

	status, env, _ := e.do(t, "GET", "/v1/settings/completion/models", nil, "")
	assert.Equal(t, http.StatusBadRequest, status, "unconfigured")
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	status, _, _ = e.do(t, "PUT", "/v1/settings/completion", map[string]any{"api_endpoint": upstream.URL + "/v1"}, "")
	assert.Equal(t, http.StatusBadRequest, status, "api_key is required")
	status, _, _ = e.do(t, "PUT", "/v1/settings/completion",
		map[string]any{"api_endpoint": "not a url", "api_key": "k"}, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, env, _ = e.do(t, "PUT", "/v1/settings/completion",
		map[string]any{"api_endpoint": upstream.URL + "/v1", "api_key": "sk-test", "api_model": "alpha"}, "")
	require.Equal(t, http.StatusOK, status)
	view := decode[model.CompletionSettingsView](t, env)
	assert.Equal(t, upstream.URL+"/v1", view.APIEndpoint)
	assert.Equal(t, "alpha", view.APIModel)
	assert.True(t, view.APIKeySet)
	assert.NotContains(t, string(env.Data), "sk-test")

	stored, err := e.store.GetSetting(context.Background(), model.SettingCompletionAPIKey)
	require.NoError(t, err)
	assert.True(t, secrets.IsSealed(stored), "api key is sealed at rest")

	status, env, _ = e.do(t, "GET", "/v1/settings/completion/models", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"alpha", "zeta"}, decode[model.ModelsResponse](t, env).Models)
	assert.Equal(t, "Bearer sk-test", gotAuth.Load())

	upstreamDown.Store(true)
	status, env, _ = e.do(t, "GET", "/v1/settings/completion/models", nil, "")
	assert.Equal(t, http.StatusBadGateway, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeBadGateway, env.Error.Code)
}

func TestCompletionSettings_ConfigDefaults(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) {
		c.CompletionDefaults = model.CompletionSettings{APIEndpoint: "https://api.example.com/v1", APIModel: "base"}
	})

	status, env, _ := e.do(t, "GET", "/v1/settings/completion", nil, "")
	require.Equal(t, http.StatusOK, status)
	view := decode[model.CompletionSettingsView](t, env)
	assert.Equal(t, "https://api.example.com/v1", view.APIEndpoint)
	assert.Equal(t, "base", view.APIModel)
	assert.False(t, view.APIKeySet)
}

func TestAuthAndRoles(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	e := newEnv(t, func(c *server.ServerConfig) { c.JWTMgr = mgr })

	token := func(role model.Role) string {
		tok, _, err := mgr.IssueToken("user-"+string(role), role, 0)
		require.NoError(t, err)
		return tok
	}
	reader, operator, admin := token(model.RoleReader), token(model.RoleOperator), token(model.RoleAdmin)

	status, _, _ := e.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, status, "health is public")

	status, env, _ := e.do(t, "GET", "/v1/threads", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	status, _, _ = e.do(t, "GET", "/v1/threads", nil, reader)
	assert.Equal(t, http.StatusOK, status)

	status, env, _ = e.do(t, "POST", "/v1/threads", map[string]any{"thread_name": "x"}, reader)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeForbidden, env.Error.Code)

	status, _, _ = e.do(t, "POST", "/v1/threads", map[string]any{"thread_name": "x"}, operator)
	assert.Equal(t, http.StatusCreated, status)

	status, _, _ = e.do(t, "GET", "/v1/settings/completion", nil, operator)
	assert.Equal(t, http.StatusForbidden, status, "settings are admin-only")
	status, _, _ = e.do(t, "GET", "/v1/settings/completion", nil, admin)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitOnStartAndCreate(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	th := e.createThread(t, "one")
	e.waitForRun(t, th.ID)

	status, _, _ := e.do(t, "POST", "/v1/threads/"+th.ID+"/start", nil, "")
	require.Equal(t, http.StatusAccepted, status)
	e.waitForRun(t, th.ID)

	status, env, hdr := e.do(t, "POST", "/v1/threads", map[string]any{"thread_name": "two"}, "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, hdr.Get("Retry-After"))

	status, _, _ = e.do(t, "GET", "/v1/threads", nil, "")
	assert.Equal(t, http.StatusOK, status, "reads are not limited")
}

func TestCallerMiddleware(t *testing.T) {
	var seen bool
	e := newEnv(t, func(c *server.ServerConfig) {
		c.Middlewares = []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					seen = true
					next.ServeHTTP(w, r)
				})
			},
		}
	})
	status, _, _ := e.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, seen)
}
