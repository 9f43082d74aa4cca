package threadbox

import (
	"errors"
	"time"
)

// ThreadState is a thread's lifecycle state.
type ThreadState string

const (
	ThreadIdle      ThreadState = "idle"
	ThreadStarting  ThreadState = "starting"
	ThreadCompleted ThreadState = "completed"
	ThreadError     ThreadState = "error"
)

// ThreadFinished is delivered to ThreadHooks when a background run reaches a
// terminal state.
type ThreadFinished struct {
	ThreadID   string
	ThreadName string
	State      ThreadState
	// Phase names the step that failed ("provision", "execute", "record" or
	// "persist"). Empty on success.
	Phase string
	// Error is the failure message. Empty on success.
	Error string
	// ExitCode is the command's exit status, nil when the command never ran.
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Sentinel errors a SandboxRuntime returns so threadbox can tell "missing"
// and "raced" apart from real failures.
var (
	ErrSandboxNotFound = errors.New("threadbox: sandbox resource not found")
	ErrSandboxConflict = errors.New("threadbox: sandbox resource already exists")
)

// SandboxNetwork describes a container network.
type SandboxNetwork struct {
	ID     string
	Name   string
	Driver string
}

// SandboxContainer describes a sandbox container. Status uses the Docker
// Engine vocabulary ("running", "exited", ...).
type SandboxContainer struct {
	ID      string
	Name    string
	Image   string
	Status  string
	Running bool
}

// SandboxCreateOptions describes a container to create and start.
type SandboxCreateOptions struct {
	Name          string
	Image         string
	Cmd           []string
	Network       string
	ShmSize       int64
	RestartPolicy string
}

// SandboxExecResult is the outcome of a command run inside a sandbox.
type SandboxExecResult struct {
	ExitCode int
	Output   string
}
