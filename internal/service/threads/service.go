// Package threads is the thread lifecycle service shared by the HTTP API and
// the MCP server. It owns thread CRUD, the log recorder and the background
// orchestration that provisions a sandbox, runs a command in it and
// reconciles the result into thread state.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/sandbox"
	"github.com/ashita-ai/threadbox/internal/storage"
	"github.com/ashita-ai/threadbox/internal/telemetry"
)

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Hooks []Hook
	// RunTimeout bounds one background run. Zero means no limit.
	RunTimeout time.Duration
	// FinalizeTimeout bounds the writes that record a run's outcome after
	// its context has ended.
	FinalizeTimeout time.Duration
	// HookTimeout bounds hook delivery for one event.
	HookTimeout time.Duration
	// DrainGrace is how long Drain waits for cancelled runs to record their
	// outcome after its deadline passes.
	DrainGrace time.Duration
	// LeaseTTL is how long a starting thread may go unrenewed before any
	// Service sharing the store may recover it. Runs renew every LeaseTTL/3.
	LeaseTTL time.Duration
}

// Service encapsulates thread business logic shared by HTTP and MCP handlers.
type Service struct {
	store    storage.Store
	prov     *sandbox.Provisioner
	exec     *sandbox.Executor
	recorder *Recorder
	runs     *registry
	logger   *slog.Logger

	hooks           []Hook
	runTimeout      time.Duration
	finalizeTimeout time.Duration
	hookTimeout     time.Duration
	drainGrace      time.Duration
	leaseTTL        time.Duration

	// base parents every background run so runs outlive the request that
	// started them.
	base context.Context

	tracer      trace.Tracer
	started     metric.Int64Counter
	finished    metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New creates a thread Service.
func New(store storage.Store, prov *sandbox.Provisioner, exec *sandbox.Executor, logger *slog.Logger, opts Options) *Service {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 10 * time.Second
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 10 * time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 90 * time.Second
	}

	s := &Service{
		store:           store,
		prov:            prov,
		exec:            exec,
		recorder:        NewRecorder(store),
		runs:            newRegistry(),
		logger:          logger,
		hooks:           opts.Hooks,
		runTimeout:      opts.RunTimeout,
		finalizeTimeout: opts.FinalizeTimeout,
		hookTimeout:     opts.HookTimeout,
		drainGrace:      opts.DrainGrace,
		leaseTTL:        opts.LeaseTTL,
		base:            context.Background(),
		tracer:          telemetry.Tracer("threadbox/threads"),
	}
	s.registerMetrics()
	return s
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter("threadbox/threads")
	s.started, _ = meter.Int64Counter("threadbox.threads.started",
		metric.WithDescription("Background runs launched"),
	)
	s.finished, _ = meter.Int64Counter("threadbox.threads.finished",
		metric.WithDescription("Background runs that reached a terminal state"),
	)
	s.runDuration, _ = meter.Float64Histogram(telemetry.RunDurationMetric,
		metric.WithDescription("Wall time of one background run (ms)"),
		metric.WithUnit("ms"),
	)
	_, _ = meter.Int64ObservableGauge("threadbox.runs.active",
		metric.WithDescription("Background runs currently in flight"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.runs.len()))
			return nil
		}),
	)
}

// Recorder returns the log recorder.
func (s *Service) Recorder() *Recorder { return s.recorder }

// ActiveRuns returns the number of in-flight background runs.
func (s *Service) ActiveRuns() int { return s.runs.len() }

// CreateThread creates an idle thread.
func (s *Service) CreateThread(ctx context.Context, req model.CreateThreadRequest) (model.Thread, error) {
	if err := model.ValidateThreadName(req.Name); err != nil {
		return model.Thread{}, &InputError{msg: err.Error()}
	}
	t, err := s.store.CreateThread(ctx, req.Name, req.Metadata)
	if err != nil {
		return model.Thread{}, fmt.Errorf("threads: create: %w", err)
	}
	s.logger.Info("thread created", "thread_id", t.ID)
	return t, nil
}

// ListThreads returns summaries of all threads, newest first.
func (s *Service) ListThreads(ctx context.Context) ([]model.ThreadSummary, error) {
	return s.store.ListThreads(ctx)
}

// GetThread returns a thread or storage.ErrNotFound.
func (s *Service) GetThread(ctx context.Context, id string) (model.Thread, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Thread{}, fmt.Errorf("threads: thread %s: %w", id, storage.ErrNotFound)
	}
	return s.store.GetThread(ctx, id)
}

// GetThreadDetail returns the thread with its logs and sandbox health.
func (s *Service) GetThreadDetail(ctx context.Context, id string) (model.ThreadDetail, error) {
	t, err := s.GetThread(ctx, id)
	if err != nil {
		return model.ThreadDetail{}, err
	}
	logs, err := s.store.ListLogs(ctx, id)
	if err != nil {
		return model.ThreadDetail{}, fmt.Errorf("threads: list logs: %w", err)
	}
	return model.ThreadDetail{
		Thread:   t,
		LogCount: len(logs),
		Health:   s.sandboxHealth(ctx, id),
		Logs:     logs,
	}, nil
}

func (s *Service) sandboxHealth(ctx context.Context, id string) model.SandboxHealth {
	c, err := s.prov.Inspect(ctx, id)
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return model.SandboxHealth{Healthy: false, Status: "not created"}
	case err != nil:
		s.logger.Warn("threads: sandbox inspect failed", "thread_id", id, "error", err)
		return model.SandboxHealth{Healthy: false, Status: string(runtime.StatusUnknown)}
	default:
		return model.SandboxHealth{Healthy: c.Status == runtime.StatusRunning, Status: string(c.Status)}
	}
}

// UpdateThread renames a thread and shallow-merges metadata. State is not
// writable here.
func (s *Service) UpdateThread(ctx context.Context, id string, req model.UpdateThreadRequest) (model.Thread, error) {
	if req.Name != nil {
		if err := model.ValidateThreadName(*req.Name); err != nil {
			return model.Thread{}, &InputError{msg: err.Error()}
		}
	}
	if _, err := s.GetThread(ctx, id); err != nil {
		return model.Thread{}, err
	}
	return s.store.UpdateThread(ctx, id, req.Name, req.Metadata)
}

// DeleteThread cancels any active run, removes the sandbox and deletes the
// thread with its logs.
func (s *Service) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.GetThread(ctx, id); err != nil {
		return err
	}
	if err := s.runs.cancelAndWait(ctx, id); err != nil {
		return fmt.Errorf("threads: wait for run to stop: %w", err)
	}
	if err := s.prov.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, id); err != nil {
		return err
	}
	s.logger.Info("thread deleted", "thread_id", id)
	return nil
}

// AppendLog validates req and appends it to the thread.
func (s *Service) AppendLog(ctx context.Context, threadID string, req model.CreateLogRequest) (model.Log, error) {
	if err := req.Validate(); err != nil {
		return model.Log{}, &InputError{msg: err.Error()}
	}
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return model.Log{}, err
	}
	return s.recorder.Append(ctx, threadID, req.Sender, req.Type, req.Payload, req.Metadata)
}

// ListLogs returns a thread's logs, oldest first.
func (s *Service) ListLogs(ctx context.Context, threadID string) ([]model.Log, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, threadID)
}

// UpdateLog edits a log row.
func (s *Service) UpdateLog(ctx context.Context, id string, req model.UpdateLogRequest) (model.Log, error) {
	patch, err := req.Patch()
	if err != nil {
		return model.Log{}, &InputError{msg: err.Error()}
	}
	if err := model.ValidateID(id); err != nil {
		return model.Log{}, fmt.Errorf("threads: log %s: %w", id, storage.ErrNotFound)
	}
	if patch.Payload != nil {
		if clean, changed := model.StoredText(*patch.Payload); changed {
			patch.Metadata = model.MergeMetadata(patch.Metadata, map[string]any{model.MetaRawBytes: len(*patch.Payload)})
			patch.Payload = &clean
		}
	}
	return s.store.UpdateLog(ctx, id, patch)
}

// DeleteLog removes a log row.
func (s *Service) DeleteLog(ctx context.Context, id string) error {
	if err := model.ValidateID(id); err != nil {
		return fmt.Errorf("threads: log %s: %w", id, storage.ErrNotFound)
	}
	return s.store.DeleteLog(ctx, id)
}

// RunStatus reports the registry entry for a thread.
func (s *Service) RunStatus(ctx context.Context, threadID string) (model.RunStatus, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return model.RunStatus{}, err
	}
	return s.runs.status(threadID), nil
}

// MsgRunInterrupted is the error recorded on a thread whose run stopped
// renewing its lease.
const MsgRunInterrupted = "run interrupted: lease expired"

// RecoverInterrupted moves starting threads whose run lease has lapsed to
// error. Threads renewed within the last LeaseTTL belong to a live run,
// in this process or another one sharing the store, and are left alone.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	list, err := s.store.ListThreads(ctx)
	if err != nil {
		return 0, fmt.Errorf("threads: recover: %w", err)
	}
	cutoff := time.Now().Add(-s.leaseTTL)
	n := 0
	for _, t := range list {
		if t.State != model.ThreadStateStarting || t.EditedOn.After(cutoff) {
			continue
		}
		if _, active := s.runs.get(t.ID); active {
			continue
		}
		_, err := s.store.TransitionThread(ctx, t.ID, model.ThreadStateError, map[string]any{
			model.MetaError:      MsgRunInterrupted,
			model.MetaErrorPhase: string(PhasePersist),
		})
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("threads: recover %s: %w", t.ID, err)
		}
		if _, err := s.recorder.Append(ctx, t.ID, model.SenderSystem, model.LogTypeError, MsgRunInterrupted,
			map[string]any{"phase": string(PhasePersist)}); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return n, err
		}
		s.logger.Warn("threads: recovered interrupted run",
			"thread_id", t.ID, "last_renewed", t.EditedOn)
		n++
	}
	return n, nil
}

// WatchLeases calls RecoverInterrupted every LeaseTTL/2 until ctx ends, so
// runs orphaned by a crashed peer are settled without waiting for a restart.
func (s *Service) WatchLeases(ctx context.Context) {
	ticker := time.NewTicker(max(s.leaseTTL/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.RecoverInterrupted(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("threads: lease sweep", "error", err)
		}
	}
}

// Drain stops accepting starts and waits for in-flight runs. When ctx ends
// first, the remaining runs are cancelled and recorded as errors.
func (s *Service) Drain(ctx context.Context) error {
	return s.runs.drain(ctx, s.drainGrace)
}
