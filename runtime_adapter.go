package threadbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/service/threads"
)

// runtimeAdapter presents a caller-supplied SandboxRuntime as the internal
// runtime.Runtime, translating types and sentinel errors at the boundary.
type runtimeAdapter struct {
	rt SandboxRuntime
}

var _ runtime.Runtime = runtimeAdapter{}

func (a runtimeAdapter) Name() string { return a.rt.Name() }

func (a runtimeAdapter) Ping(ctx context.Context) error {
	return toRuntimeErr(a.rt.Ping(ctx))
}

func (a runtimeAdapter) GetNetwork(ctx context.Context, name string) (runtime.Network, error) {
	n, err := a.rt.GetNetwork(ctx, name)
	return runtime.Network(n), toRuntimeErr(err)
}

func (a runtimeAdapter) CreateNetwork(ctx context.Context, name string) (runtime.Network, error) {
	n, err := a.rt.CreateNetwork(ctx, name)
	return runtime.Network(n), toRuntimeErr(err)
}

func (a runtimeAdapter) GetContainer(ctx context.Context, name string) (runtime.Container, error) {
	c, err := a.rt.GetContainer(ctx, name)
	return toRuntimeContainer(c), toRuntimeErr(err)
}

func (a runtimeAdapter) CreateContainer(ctx context.Context, opts runtime.CreateOptions) (runtime.Container, error) {
	c, err := a.rt.CreateContainer(ctx, SandboxCreateOptions(opts))
	return toRuntimeContainer(c), toRuntimeErr(err)
}

func (a runtimeAdapter) Exec(ctx context.Context, container string, cmd []string) (runtime.ExecResult, error) {
	res, err := a.rt.Exec(ctx, container, cmd)
	return runtime.ExecResult(res), toRuntimeErr(err)
}

func (a runtimeAdapter) RemoveContainer(ctx context.Context, name string) error {
	return toRuntimeErr(a.rt.RemoveContainer(ctx, name))
}

func (a runtimeAdapter) Close() error { return a.rt.Close() }

func toRuntimeContainer(c SandboxContainer) runtime.Container {
	return runtime.Container{
		ID:      c.ID,
		Name:    c.Name,
		Image:   c.Image,
		Status:  runtime.ContainerStatus(c.Status),
		Running: c.Running,
	}
}

func toRuntimeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSandboxNotFound):
		return fmt.Errorf("%w: %w", runtime.ErrNotFound, err)
	case errors.Is(err, ErrSandboxConflict):
		return fmt.Errorf("%w: %w", runtime.ErrConflict, err)
	default:
		return err
	}
}

// hookAdapter delivers internal run events to a public ThreadHook.
func hookAdapter(h ThreadHook) threads.Hook {
	return threads.HookFunc(func(ctx context.Context, ev threads.FinishedEvent) error {
		return h.OnThreadFinished(ctx, ThreadFinished{
			ThreadID:   ev.ThreadID,
			ThreadName: ev.ThreadName,
			State:      ThreadState(ev.State),
			Phase:      string(ev.Phase),
			Error:      ev.Error,
			ExitCode:   ev.ExitCode,
			StartedAt:  ev.StartedAt,
			FinishedAt: ev.FinishedAt,
		})
	})
}
