package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/threadbox/internal/runtime"
)

// ErrEmptyCommand is returned when Run is called without a command.
var ErrEmptyCommand = errors.New("sandbox: empty command")

// ExecutionResult is the buffered outcome of one command.
type ExecutionResult struct {
	Output    string
	ExitCode  int
	Succeeded bool
	Duration  time.Duration
}

// Executor runs commands inside provisioned sandboxes.
type Executor struct {
	rt     runtime.Runtime
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(rt runtime.Runtime, logger *slog.Logger) *Executor {
	return &Executor{rt: rt, logger: logger}
}

// Run executes cmd in the sandbox and returns combined stdout and stderr.
// A non-zero exit is reported in the result, not as an error.
func (e *Executor) Run(ctx context.Context, h Handle, cmd []string) (ExecutionResult, error) {
	if len(cmd) == 0 {
		return ExecutionResult{}, ErrEmptyCommand
	}
	start := time.Now()
	res, err := e.rt.Exec(ctx, h.ContainerName, cmd)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: exec in %s: %w", h.ContainerName, err)
	}
	out := ExecutionResult{
		Output:    res.Output,
		ExitCode:  res.ExitCode,
		Succeeded: res.ExitCode == 0,
		Duration:  time.Since(start),
	}
	e.logger.Debug("sandbox: exec finished",
		"thread_id", h.ThreadID, "container_name", h.ContainerName,
		"exit_code", out.ExitCode, "duration_ms", out.Duration.Milliseconds())
	return out, nil
}
