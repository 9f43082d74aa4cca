// Package runtime defines the container runtime used to host thread sandboxes.
// The Docker implementation talks to the Engine API; MockRuntime backs tests.
package runtime

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a network or container does not exist.
	ErrNotFound = errors.New("runtime: not found")

	// ErrConflict is returned when a create races with another create of the
	// same name.
	ErrConflict = errors.New("runtime: already exists")
)

// ContainerStatus mirrors the Engine's container state string.
type ContainerStatus string

const (
	StatusCreated    ContainerStatus = "created"
	StatusRunning    ContainerStatus = "running"
	StatusPaused     ContainerStatus = "paused"
	StatusRestarting ContainerStatus = "restarting"
	StatusExited     ContainerStatus = "exited"
	StatusDead       ContainerStatus = "dead"
	StatusUnknown    ContainerStatus = "unknown"
)

// Network describes a container network.
type Network struct {
	ID     string
	Name   string
	Driver string
}

// Container describes a container as reported by the runtime.
type Container struct {
	ID      string
	Name    string
	Image   string
	Status  ContainerStatus
	Running bool
}

// CreateOptions holds options for creating a container.
type CreateOptions struct {
	Name    string
	Image   string
	Cmd     []string
	Network string
	// ShmSize is the size of /dev/shm in bytes. Zero keeps the runtime default.
	ShmSize int64
	// RestartPolicy is an Engine restart policy name such as "unless-stopped".
	RestartPolicy string
}

// ExecResult holds the result of running a command inside a container.
// Output is stdout and stderr interleaved in arrival order.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Runtime is the interface container backends implement.
// All methods must be safe for concurrent use.
type Runtime interface {
	// Name returns the runtime identifier (e.g. "docker").
	Name() string

	// Ping checks that the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// GetNetwork returns the named network or ErrNotFound.
	GetNetwork(ctx context.Context, name string) (Network, error)

	// CreateNetwork creates a bridge network. Returns ErrConflict if a
	// network with that name appeared concurrently.
	CreateNetwork(ctx context.Context, name string) (Network, error)

	// GetContainer returns the named container or ErrNotFound.
	GetContainer(ctx context.Context, name string) (Container, error)

	// CreateContainer creates and starts a container, pulling the image if
	// it is not present locally. Returns ErrConflict if the name is taken.
	CreateContainer(ctx context.Context, opts CreateOptions) (Container, error)

	// Exec runs cmd inside the named container and waits for it to exit.
	Exec(ctx context.Context, container string, cmd []string) (ExecResult, error)

	// RemoveContainer force-removes the named container. Removing a missing
	// container returns ErrNotFound.
	RemoveContainer(ctx context.Context, name string) error

	// Close releases client resources.
	Close() error
}
