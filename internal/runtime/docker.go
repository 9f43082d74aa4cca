package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Engine client DockerRuntime uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerRuntime implements Runtime against a Docker Engine.
type DockerRuntime struct {
	api    dockerAPI
	logger *slog.Logger
}

// NewDockerRuntime connects to the Engine configured by DOCKER_HOST and
// friends. host overrides DOCKER_HOST when non-empty.
func NewDockerRuntime(host string, logger *slog.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &DockerRuntime{api: cli, logger: logger}, nil
}

func newDockerRuntimeWithAPI(api dockerAPI, logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{api: api, logger: logger}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.api.Ping(ctx); err != nil {
		return fmt.Errorf("runtime: ping: %w", err)
	}
	return nil
}

func (r *DockerRuntime) GetNetwork(ctx context.Context, name string) (Network, error) {
	n, err := r.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return Network{}, classify(fmt.Sprintf("inspect network %s", name), err)
	}
	return Network{ID: n.ID, Name: n.Name, Driver: n.Driver}, nil
}

func (r *DockerRuntime) CreateNetwork(ctx context.Context, name string) (Network, error) {
	resp, err := r.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return Network{}, classify(fmt.Sprintf("create network %s", name), err)
	}
	if resp.Warning != "" {
		r.logger.Warn("runtime: network create warning", "network", name, "warning", resp.Warning)
	}
	return Network{ID: resp.ID, Name: name, Driver: "bridge"}, nil
}

func (r *DockerRuntime) GetContainer(ctx context.Context, name string) (Container, error) {
	info, err := r.api.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, classify(fmt.Sprintf("inspect container %s", name), err)
	}
	return containerFromInspect(info), nil
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, opts CreateOptions) (Container, error) {
	cfg := &container.Config{Image: opts.Image, Cmd: opts.Cmd}
	host := &container.HostConfig{
		ShmSize:     opts.ShmSize,
		NetworkMode: container.NetworkMode(opts.Network),
	}
	if opts.RestartPolicy != "" {
		host.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(opts.RestartPolicy)}
	}

	resp, err := r.api.ContainerCreate(ctx, cfg, host, nil, nil, opts.Name)
	if err != nil && cerrdefs.IsNotFound(err) {
		r.logger.Info("runtime: pulling image", "image", opts.Image)
		if pullErr := r.pull(ctx, opts.Image); pullErr != nil {
			return Container{}, pullErr
		}
		resp, err = r.api.ContainerCreate(ctx, cfg, host, nil, nil, opts.Name)
	}
	if err != nil {
		return Container{}, classify(fmt.Sprintf("create container %s", opts.Name), err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("runtime: container create warning", "container", opts.Name, "warning", w)
	}

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Container{}, classify(fmt.Sprintf("start container %s", opts.Name), err)
	}
	return r.GetContainer(ctx, resp.ID)
}

func (r *DockerRuntime) pull(ctx context.Context, ref string) error {
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(fmt.Sprintf("pull image %s", ref), err)
	}
	defer func() { _ = rc.Close() }()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("runtime: pull image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	created, err := r.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classify(fmt.Sprintf("exec create in %s", name), err)
	}

	attach, err := r.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, classify(fmt.Sprintf("exec attach in %s", name), err)
	}
	defer attach.Close()

	var out bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, attach.Reader)
		copyDone <- err
	}()
	select {
	case err := <-copyDone:
		if err != nil {
			return ExecResult{}, fmt.Errorf("runtime: exec read output: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	code, err := r.waitExit(ctx, created.ID)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: code, Output: out.String()}, nil
}

// waitExit polls exec inspect until the process is reported finished. The
// output stream closes slightly before the Engine records the exit code.
func (r *DockerRuntime) waitExit(ctx context.Context, execID string) (int, error) {
	for {
		info, err := r.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, classify("exec inspect", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, name string) error {
	if err := r.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return classify(fmt.Sprintf("remove container %s", name), err)
	}
	return nil
}

func (r *DockerRuntime) Close() error {
	return r.api.Close()
}

func containerFromInspect(info container.InspectResponse) Container {
	c := Container{Status: StatusUnknown}
	if info.ContainerJSONBase != nil {
		c.ID = info.ID
		c.Name = strings.TrimPrefix(info.Name, "/")
		if info.State != nil {
			c.Status = ContainerStatus(info.State.Status)
			c.Running = info.State.Running
		}
	}
	if info.Config != nil {
		c.Image = info.Config.Image
	}
	return c
}

// classify maps Engine errors onto the package sentinels.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("runtime: %s: %w", op, errors.Join(ErrNotFound, err))
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("runtime: %s: %w", op, errors.Join(ErrConflict, err))
	default:
		return fmt.Errorf("runtime: %s: %w", op, err)
	}
}
