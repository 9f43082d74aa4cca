package threads

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/threadbox/internal/model"
)

// run is the handle kept for one in-flight background run.
type run struct {
	threadID  string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	phase Phase
}

func (r *run) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *run) currentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// registry tracks background runs by thread id. At most one run per thread
// is registered at a time.
type registry struct {
	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*run)}
}

// begin registers a run for threadID, deriving its context from parent. A
// positive timeout bounds the run.
func (r *registry) begin(parent context.Context, threadID string, timeout time.Duration) (*run, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrShuttingDown
	}
	if _, ok := r.runs[threadID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	h := &run{
		threadID:  threadID,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.runs[threadID] = h
	r.wg.Add(1)
	return h, ctx, nil
}

// finish unregisters h and releases anyone waiting on it.
func (r *registry) finish(h *run) {
	r.mu.Lock()
	if r.runs[h.threadID] == h {
		delete(r.runs, h.threadID)
	}
	r.mu.Unlock()
	h.cancel()
	close(h.done)
	r.wg.Done()
}

func (r *registry) get(threadID string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[threadID]
	return h, ok
}

func (r *registry) status(threadID string) model.RunStatus {
	st := model.RunStatus{ThreadID: threadID}
	h, ok := r.get(threadID)
	if !ok {
		return st
	}
	started := h.startedAt
	st.Active = true
	st.Phase = string(h.currentPhase())
	st.StartedAt = &started
	return st
}

// cancelAndWait cancels the thread's run, if any, and waits for it to exit
// or for ctx to end.
func (r *registry) cancelAndWait(ctx context.Context, threadID string) error {
	h, ok := r.get(threadID)
	if !ok {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// drain stops accepting runs and waits for in-flight ones. When ctx ends
// first, remaining runs are cancelled and drain waits for them to record
// their outcome, bounded by grace.
func (r *registry) drain(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	for _, h := range r.runs {
		h.cancel()
	}
	r.mu.Unlock()

	select {
	case <-idle:
		return ctx.Err()
	case <-time.After(grace):
		return ctx.Err()
	}
}
