package threads

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/threadbox/internal/model"
)

// FinishedEvent describes a background run that reached a terminal state.
type FinishedEvent struct {
	ThreadID   string
	ThreadName string
	State      model.ThreadState
	// Phase and Error are set when State is error.
	Phase      Phase
	Error      string
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Hook is notified when a run finishes. Hook errors are logged and otherwise
// ignored.
type Hook interface {
	OnThreadFinished(ctx context.Context, ev FinishedEvent) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, ev FinishedEvent) error

func (f HookFunc) OnThreadFinished(ctx context.Context, ev FinishedEvent) error { return f(ctx, ev) }

// notify runs every hook concurrently, bounded by timeout.
func (s *Service) notify(ev FinishedEvent) {
	if len(s.hooks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
	defer cancel()

	var g errgroup.Group
	for i, h := range s.hooks {
		g.Go(func() error {
			if err := h.OnThreadFinished(ctx, ev); err != nil {
				s.logger.Warn("threads: hook failed",
					"thread_id", ev.ThreadID, "hook", i, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
