package threads

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/sandbox"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Start moves the thread to starting and launches its background run. It
// returns before any sandbox work happens.
func (s *Service) Start(ctx context.Context, threadID string) (model.StartThreadResponse, error) {
	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return model.StartThreadResponse{}, err
	}

	h, runCtx, err := s.runs.begin(s.base, t.ID, s.runTimeout)
	if err != nil {
		return model.StartThreadResponse{}, err
	}
	launched := false
	defer func() {
		if !launched {
			s.runs.finish(h)
		}
	}()

	t, err = s.store.TransitionThread(ctx, t.ID, model.ThreadStateStarting, nil)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// Another process owns the run.
			return model.StartThreadResponse{}, ErrAlreadyRunning
		}
		return model.StartThreadResponse{}, fmt.Errorf("threads: start: %w", err)
	}

	s.started.Add(ctx, 1)
	s.logger.Info("thread starting", "thread_id", t.ID)

	// Carry the caller's trace into the run without its cancellation.
	runCtx = trace.ContextWithSpanContext(runCtx, trace.SpanContextFromContext(ctx))
	launched = true
	go s.run(runCtx, h, t)

	return model.StartThreadResponse{
		Message:  "Thread starting",
		ThreadID: t.ID,
		State:    t.State,
	}, nil
}

// run is the background unit of work for one start.
func (s *Service) run(ctx context.Context, h *run, t model.Thread) {
	defer s.runs.finish(h)

	ctx, span := s.tracer.Start(ctx, "threads.run",
		trace.WithNewRoot(),
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(attribute.String("threadbox.thread_id", t.ID)),
	)
	defer span.End()

	stopLease := s.holdLease(ctx, t.ID)
	exitCode, perr := s.executeGuarded(ctx, h, t.ID)
	stopLease()

	state := model.ThreadStateCompleted
	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Class())
		state = s.fail(ctx, t.ID, perr)
	}

	finishedAt := time.Now().UTC()
	s.finished.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("state", string(state))))
	s.runDuration.Record(context.WithoutCancel(ctx), float64(finishedAt.Sub(h.startedAt).Milliseconds()))
	s.logger.Info("thread finished",
		"thread_id", t.ID, "state", state, "duration_ms", finishedAt.Sub(h.startedAt).Milliseconds())

	ev := FinishedEvent{
		ThreadID:   t.ID,
		ThreadName: t.Name,
		State:      state,
		ExitCode:   exitCode,
		StartedAt:  h.startedAt,
		FinishedAt: finishedAt,
	}
	if perr != nil {
		ev.Phase = perr.Phase
		ev.Error = perr.Error()
	}
	s.notify(ev)
}

// executeGuarded is execute with a panic in any phase turned into a
// PhaseError for that phase.
func (s *Service) executeGuarded(ctx context.Context, h *run, threadID string) (exitCode *int, perr *PhaseError) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("threads: run panicked",
				"thread_id", threadID, "phase", h.currentPhase(), "panic", rec, "stack", string(debug.Stack()))
			perr = phaseErr(h.currentPhase(), fmt.Errorf("internal error: %v", rec))
		}
	}()
	return s.execute(ctx, h, threadID)
}

// holdLease renews the thread's run lease every leaseTTL/3 until the
// returned func is called. Renewal stops on its own once the thread has
// left starting.
func (s *Service) holdLease(ctx context.Context, threadID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(s.leaseTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.store.TouchThread(ctx, threadID)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrNotFound):
				return
			case ctx.Err() == nil:
				s.logger.Warn("threads: renew run lease", "thread_id", threadID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// execute runs the phases in order and stops at the first failure.
func (s *Service) execute(ctx context.Context, h *run, threadID string) (*int, *PhaseError) {
	profile := s.prov.Profile()

	var handle sandbox.Handle
	if err := s.phase(ctx, h, PhaseProvision, func(ctx context.Context) error {
		var err error
		handle, err = s.prov.EnsureSandbox(ctx, threadID)
		return err
	}); err != nil {
		return nil, err
	}

	if err := s.phase(ctx, h, PhasePersist, func(ctx context.Context) error {
		_, err := s.store.MergeThreadMetadata(ctx, threadID, handle.Metadata())
		return err
	}); err != nil {
		return nil, err
	}

	var res sandbox.ExecutionResult
	if err := s.phase(ctx, h, PhaseExecute, func(ctx context.Context) error {
		var err error
		res, err = s.exec.Run(ctx, handle, profile.ExecCommand)
		return err
	}); err != nil {
		return nil, err
	}
	code := res.ExitCode
	output, _ := model.StoredText(res.Output)
	if !res.Succeeded && profile.FailOnNonzeroExit {
		return &code, &PhaseError{
			Phase:  PhaseExecute,
			Err:    fmt.Errorf("command exited with code %d", code),
			Detail: map[string]any{model.MetaExitCode: code, "output": output},
		}
	}

	if err := s.phase(ctx, h, PhaseRecord, func(ctx context.Context) error {
		_, err := s.recorder.Append(ctx, threadID, model.SenderSystem, model.LogTypeOutput, res.Output,
			map[string]any{model.MetaExitCode: code})
		return err
	}); err != nil {
		return &code, err
	}

	if err := s.phase(ctx, h, PhasePersist, func(ctx context.Context) error {
		_, err := s.store.TransitionThread(ctx, threadID, model.ThreadStateCompleted,
			map[string]any{model.MetaExitCode: code})
		return err
	}); err != nil {
		return &code, err
	}
	return &code, nil
}

// phase runs fn under a span, tagging any error with p.
func (s *Service) phase(ctx context.Context, h *run, p Phase, fn func(context.Context) error) *PhaseError {
	h.setPhase(p)
	ctx, span := s.tracer.Start(ctx, "threads.phase."+string(p))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return phaseErr(p, err)
	}
	return nil
}

// fail moves the thread to error and, only if that move applied, records
// perr as an error log. It returns the state the thread is left in. It uses
// a fresh deadline so cancelled runs still record their outcome.
func (s *Service) fail(ctx context.Context, threadID string, perr *PhaseError) model.ThreadState {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()

	msg := perr.Error()
	s.logger.Warn("thread failed",
		"thread_id", threadID, "phase", perr.Phase, "class", perr.Class(), "error", msg)

	meta := map[string]any{
		model.MetaError:      msg,
		model.MetaErrorPhase: string(perr.Phase),
	}
	if code, ok := perr.Detail[model.MetaExitCode]; ok {
		meta[model.MetaExitCode] = code
	}
	if _, err := s.store.TransitionThread(ctx, threadID, model.ThreadStateError, meta); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case errors.Is(err, storage.ErrInvalidTransition):
			// Someone else already settled the thread; their outcome stands.
			if cur, getErr := s.store.GetThread(ctx, threadID); getErr == nil {
				s.logger.Warn("threads: failure not recorded, thread already settled",
					"thread_id", threadID, "state", cur.State)
				return cur.State
			}
		default:
			s.logger.Error("threads: transition to error", "thread_id", threadID, "error", err)
		}
		return model.ThreadStateError
	}

	logMeta := map[string]any{"phase": string(perr.Phase)}
	for k, v := range perr.Detail {
		logMeta[k] = v
	}
	if _, err := s.recorder.Append(ctx, threadID, model.SenderSystem, model.LogTypeError, msg, logMeta); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("threads: record failure log", "thread_id", threadID, "error", err)
	}
	return model.ThreadStateError
}
