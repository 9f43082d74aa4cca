package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnexpected = errors.New("unexpected call")

// fakeAPI is a scripted dockerAPI. Unset hooks fail the call.
type fakeAPI struct {
	networkInspect   func(name string) (network.Inspect, error)
	networkCreate    func(name string, opts network.CreateOptions) (network.CreateResponse, error)
	containerCreate  func(cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error)
	containerInspect func(id string) (container.InspectResponse, error)
	execOutput       []byte
	execExitCode     int
	pulled           []string
	started          []string
	removed          []container.RemoveOptions
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeAPI) NetworkInspect(_ context.Context, name string, _ network.InspectOptions) (network.Inspect, error) {
	if f.networkInspect == nil {
		return network.Inspect{}, errUnexpected
	}
	return f.networkInspect(name)
}

func (f *fakeAPI) NetworkCreate(_ context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	if f.networkCreate == nil {
		return network.CreateResponse{}, errUnexpected
	}
	return f.networkCreate(name, opts)
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if f.containerInspect == nil {
		return container.InspectResponse{}, errUnexpected
	}
	return f.containerInspect(id)
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.containerCreate == nil {
		return container.CreateResponse{}, errUnexpected
	}
	return f.containerCreate(cfg, host, name)
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.removed = append(f.removed, opts)
	if id == "ghost" {
		return cerrdefs.ErrNotFound
	}
	return nil
}

func (f *fakeAPI) ContainerExecCreate(context.Context, string, container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	_ = server.Close()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(bytes.NewReader(f.execOutput))}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode, Running: false}, nil
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) Close() error { return nil }

func newTestDocker(api *fakeAPI) *DockerRuntime {
	return newDockerRuntimeWithAPI(api, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func inspectResponse(id, name, image string, running bool) container.InspectResponse {
	status := container.StateExited
	if running {
		status = container.StateRunning
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &container.State{Status: status, Running: running},
		},
		Config: &container.Config{Image: image},
	}
}

func TestDocker_GetNetworkNotFound(t *testing.T) {
	r := newTestDocker(&fakeAPI{
		networkInspect: func(string) (network.Inspect, error) { return network.Inspect{}, cerrdefs.ErrNotFound },
	})
	_, err := r.GetNetwork(context.Background(), "wandb_network")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestDocker_CreateNetworkConflict(t *testing.T) {
	var driver string
	r := newTestDocker(&fakeAPI{
		networkCreate: func(_ string, opts network.CreateOptions) (network.CreateResponse, error) {
			driver = opts.Driver
			return network.CreateResponse{}, cerrdefs.ErrConflict
		},
	})
	_, err := r.CreateNetwork(context.Background(), "wandb_network")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "bridge", driver)
}

func TestDocker_CreateContainerPullsMissingImage(t *testing.T) {
	calls := 0
	api := &fakeAPI{}
	api.containerCreate = func(cfg *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error) {
		calls++
		if calls == 1 {
			return container.CreateResponse{}, cerrdefs.ErrNotFound
		}
		assert.Equal(t, "code-runner-client", cfg.Image)
		assert.Equal(t, int64(512*1024*1024), host.ShmSize)
		assert.Equal(t, container.RestartPolicyUnlessStopped, host.RestartPolicy.Name)
		assert.Equal(t, container.NetworkMode("wandb_network"), host.NetworkMode)
		return container.CreateResponse{ID: "abc123"}, nil
	}
	api.containerInspect = func(id string) (container.InspectResponse, error) {
		return inspectResponse(id, "t1_sandbox", "code-runner-client", true), nil
	}

	c, err := newTestDocker(api).CreateContainer(context.Background(), CreateOptions{
		Name:          "t1_sandbox",
		Image:         "code-runner-client",
		Cmd:           []string{"/bin/sh", "-c", "sleep infinity"},
		Network:       "wandb_network",
		ShmSize:       512 * 1024 * 1024,
		RestartPolicy: "unless-stopped",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"code-runner-client"}, api.pulled)
	assert.Equal(t, []string{"abc123"}, api.started)
	assert.Equal(t, "t1_sandbox", c.Name)
	assert.True(t, c.Running)
	assert.Equal(t, StatusRunning, c.Status)
}

func TestDocker_ExecDemuxesOutput(t *testing.T) {
	var framed bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte("Hello, World!\n"))
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte("warn\n"))

	r := newTestDocker(&fakeAPI{execOutput: framed.Bytes(), execExitCode: 3})
	res, err := r.Exec(context.Background(), "t1_sandbox", []string{"python", "-c", "print('Hello, World!')"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Hello, World!\nwarn\n", res.Output)
}

func TestDocker_RemoveContainer(t *testing.T) {
	api := &fakeAPI{}
	r := newTestDocker(api)
	require.NoError(t, r.RemoveContainer(context.Background(), "t1_sandbox"))
	assert.ErrorIs(t, r.RemoveContainer(context.Background(), "ghost"), ErrNotFound)
	require.Len(t, api.removed, 2)
	assert.True(t, api.removed[0].Force)
}

func TestClassify_PassesContextErrors(t *testing.T) {
	err := classify("op", context.Canceled)
	assert.Same(t, context.Canceled, err)
	plain := classify("op", errors.New("boom"))
	assert.NotErrorIs(t, plain, ErrNotFound)
	assert.Contains(t, plain.Error(), "runtime: op: boom")
}

func TestMock_LifecycleAndErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime()

	_, err := m.GetNetwork(ctx, "net")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.CreateNetwork(ctx, "net")
	require.NoError(t, err)
	_, err = m.CreateNetwork(ctx, "net")
	assert.ErrorIs(t, err, ErrConflict)

	c, err := m.CreateContainer(ctx, CreateOptions{Name: "box", Image: "img", Network: "net"})
	require.NoError(t, err)
	assert.True(t, c.Running)
	_, err = m.CreateContainer(ctx, CreateOptions{Name: "box", Image: "img", Network: "net"})
	assert.ErrorIs(t, err, ErrConflict)

	m.SetExecResult("box", ExecResult{ExitCode: 0, Output: "hi\n"})
	res, err := m.Exec(ctx, "box", []string{"echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Output)

	boom := errors.New("daemon gone")
	m.SetError("Exec", boom)
	_, err = m.Exec(ctx, "box", nil)
	assert.ErrorIs(t, err, boom)
	m.SetError("Exec", nil)

	require.NoError(t, m.RemoveContainer(ctx, "box"))
	assert.ErrorIs(t, m.RemoveContainer(ctx, "box"), ErrNotFound)
	assert.Len(t, m.GetCallsFor("Exec"), 2)
}

func TestMock_ExecGateHonorsContext(t *testing.T) {
	m := NewMockRuntime()
	m.AddContainer("box", "img", StatusRunning)
	m.ExecGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Exec(ctx, "box", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
