package threadbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/testutil"
)

// memRuntime is a SandboxRuntime kept entirely in memory.
type memRuntime struct {
	mu         sync.Mutex
	networks   map[string]SandboxNetwork
	containers map[string]SandboxContainer
}

func newMemRuntime() *memRuntime {
	return &memRuntime{
		networks:   make(map[string]SandboxNetwork),
		containers: make(map[string]SandboxContainer),
	}
}

func (m *memRuntime) Name() string                { return "mem" }
func (m *memRuntime) Ping(context.Context) error { return nil }
func (m *memRuntime) Close() error                { return nil }

func (m *memRuntime) GetNetwork(_ context.Context, name string) (SandboxNetwork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[name]
	if !ok {
		return SandboxNetwork{}, fmt.Errorf("network %s: %w", name, ErrSandboxNotFound)
	}
	return n, nil
}

func (m *memRuntime) CreateNetwork(_ context.Context, name string) (SandboxNetwork, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.networks[name]; ok {
		return SandboxNetwork{}, ErrSandboxConflict
	}
	n := SandboxNetwork{ID: "net-" + name, Name: name, Driver: "bridge"}
	m.networks[name] = n
	return n, nil
}

func (m *memRuntime) GetContainer(_ context.Context, name string) (SandboxContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[name]
	if !ok {
		return SandboxContainer{}, fmt.Errorf("container %s: %w", name, ErrSandboxNotFound)
	}
	return c, nil
}

func (m *memRuntime) CreateContainer(_ context.Context, opts SandboxCreateOptions) (SandboxContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[opts.Name]; ok {
		return SandboxContainer{}, ErrSandboxConflict
	}
	c := SandboxContainer{ID: "c-" + opts.Name, Name: opts.Name, Image: opts.Image, Status: "running", Running: true}
	m.containers[opts.Name] = c
	return c, nil
}

func (m *memRuntime) Exec(_ context.Context, container string, cmd []string) (SandboxExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[container]; !ok {
		return SandboxExecResult{}, ErrSandboxNotFound
	}
	return SandboxExecResult{Output: "hello from " + container + "\n"}, nil
}

func (m *memRuntime) RemoveContainer(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[name]; !ok {
		return ErrSandboxNotFound
	}
	delete(m.containers, name)
	return nil
}

func setSQLiteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("THREADBOX_STORAGE", "sqlite")
	t.Setenv("THREADBOX_SQLITE_PATH", filepath.Join(t.TempDir(), "threadbox.db"))
	t.Setenv("THREADBOX_SANDBOX_SETTLE_DELAY", "0s")
	t.Setenv("THREADBOX_RATE_LIMIT_ENABLED", "false")
	t.Setenv("THREADBOX_AUTH_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("THREADBOX_CONFIG_FILE", "")
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func call(t *testing.T, client *http.Client, method, url string, body any) (int, json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env.Data
}

func TestApp_EndToEndWithCustomRuntime(t *testing.T) {
	setSQLiteEnv(t)
	rt := newMemRuntime()

	events := make(chan ThreadFinished, 1)
	app, err := New(context.Background(),
		WithLogger(testutil.TestLogger()),
		WithVersion("1.2.3"),
		WithSandboxRuntime(rt),
		WithThreadHook(ThreadHookFunc(func(_ context.Context, ev ThreadFinished) error {
			events <- ev
			return nil
		})),
		WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Embedded", "yes")
				next.ServeHTTP(w, r)
			})
		}),
	)
	require.NoError(t, err)

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	client := ts.Client()

	resp, err := client.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Embedded"))

	status, data := call(t, client, http.MethodPost, ts.URL+"/v1/threads", map[string]any{"thread_name": "embedded"})
	require.Equal(t, http.StatusCreated, status, string(data))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &created))

	status, data = call(t, client, http.MethodPost, ts.URL+"/v1/threads/"+created.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, status, string(data))

	select {
	case ev := <-events:
		assert.Equal(t, created.ID, ev.ThreadID)
		assert.Equal(t, "embedded", ev.ThreadName)
		assert.Equal(t, ThreadCompleted, ev.State)
		assert.Empty(t, ev.Phase)
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 0, *ev.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("hook never received ThreadFinished")
	}

	status, data = call(t, client, http.MethodGet, ts.URL+"/v1/threads/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var detail struct {
		State  string `json:"state"`
		Health struct {
			Healthy bool   `json:"healthy"`
			Status  string `json:"status"`
		} `json:"health"`
		Logs []struct {
			Payload string `json:"payload"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, "completed", detail.State)
	assert.True(t, detail.Health.Healthy)
	assert.Equal(t, "running", detail.Health.Status)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, "hello from "+created.ID+"_sandbox\n", detail.Logs[0].Payload)

	status, _ = call(t, client, http.MethodDelete, ts.URL+"/v1/threads/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	_, err = rt.GetContainer(context.Background(), created.ID+"_sandbox")
	assert.ErrorIs(t, err, ErrSandboxNotFound, "delete removes the sandbox")
}

func TestNew_InvalidConfig(t *testing.T) {
	setSQLiteEnv(t)
	t.Setenv("THREADBOX_STORAGE", "mongo")

	_, err := New(context.Background(), WithLogger(testutil.TestLogger()), WithSandboxRuntime(newMemRuntime()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THREADBOX_STORAGE")
}

func TestMigrate_SQLite(t *testing.T) {
	setSQLiteEnv(t)
	require.NoError(t, Migrate(context.Background(), WithLogger(testutil.TestLogger())))
}

func TestRuntimeAdapter_TranslatesErrors(t *testing.T) {
	a := runtimeAdapter{rt: newMemRuntime()}
	ctx := context.Background()

	_, err := a.GetContainer(ctx, "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.ErrorIs(t, err, ErrSandboxNotFound, "the caller's error stays in the chain")

	_, err = a.CreateNetwork(ctx, "n")
	require.NoError(t, err)
	_, err = a.CreateNetwork(ctx, "n")
	assert.ErrorIs(t, err, runtime.ErrConflict)

	c, err := a.CreateContainer(ctx, runtime.CreateOptions{Name: "box", Image: "alpine"})
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusRunning, c.Status)

	other := errors.New("daemon on fire")
	assert.Equal(t, other, toRuntimeErr(other))
	assert.NoError(t, toRuntimeErr(nil))
}
