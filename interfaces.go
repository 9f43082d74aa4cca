package threadbox

import (
	"context"
	"net/http"
)

// ThreadHook receives a ThreadFinished event for every run that reaches
// completed or error. Hooks run asynchronously with a bounded timeout;
// a returned error is logged and otherwise ignored.
type ThreadHook interface {
	OnThreadFinished(ctx context.Context, ev ThreadFinished) error
}

// ThreadHookFunc adapts a function to ThreadHook.
type ThreadHookFunc func(ctx context.Context, ev ThreadFinished) error

func (f ThreadHookFunc) OnThreadFinished(ctx context.Context, ev ThreadFinished) error {
	return f(ctx, ev)
}

// SandboxRuntime hosts thread sandboxes. Supply one with WithSandboxRuntime
// to replace the built-in Docker runtime, for example with a remote
// container service. Lookups of missing resources must return an error
// wrapping ErrSandboxNotFound; creates that lose a race must wrap
// ErrSandboxConflict. All methods must be safe for concurrent use.
type SandboxRuntime interface {
	Name() string
	Ping(ctx context.Context) error
	GetNetwork(ctx context.Context, name string) (SandboxNetwork, error)
	CreateNetwork(ctx context.Context, name string) (SandboxNetwork, error)
	GetContainer(ctx context.Context, name string) (SandboxContainer, error)
	CreateContainer(ctx context.Context, opts SandboxCreateOptions) (SandboxContainer, error)
	Exec(ctx context.Context, container string, cmd []string) (SandboxExecResult, error)
	RemoveContainer(ctx context.Context, name string) error
	Close() error
}

// Middleware wraps the HTTP handler chain.
type Middleware func(http.Handler) http.Handler
