package runtime

import (
	"context"
	"fmt"
	"sync"
)

// MockRuntime is an in-memory Runtime for tests.
type MockRuntime struct {
	mu sync.RWMutex

	// Networks and Containers track mock state keyed by name.
	Networks   map[string]*Network
	Containers map[string]*Container

	// ExecResults maps container names to predefined exec results. Containers
	// without an entry return exit code 0 and empty output.
	ExecResults map[string]ExecResult

	// Errors injects errors for specific operations, keyed by method name.
	Errors map[string]error

	// ExecGate, when set, blocks Exec until it is closed or ctx is done.
	ExecGate chan struct{}

	// CallLog records all method calls for verification.
	CallLog []MockCall

	seq int
}

// MockCall represents a recorded method call.
type MockCall struct {
	Method string
	Args   []any
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Networks:    make(map[string]*Network),
		Containers:  make(map[string]*Container),
		ExecResults: make(map[string]ExecResult),
		Errors:      make(map[string]error),
	}
}

func (m *MockRuntime) record(method string, args ...any) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

func (m *MockRuntime) injected(method string) error {
	if err, ok := m.Errors[method]; ok {
		return err
	}
	return nil
}

// SetError sets an error to be returned for a specific operation.
// A nil err clears it.
func (m *MockRuntime) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, operation)
		return
	}
	m.Errors[operation] = err
}

// SetExecResult sets the result for exec operations on a container.
func (m *MockRuntime) SetExecResult(name string, result ExecResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecResults[name] = result
}

// SetExecGate installs (or, with nil, clears) the Exec gate.
func (m *MockRuntime) SetExecGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecGate = gate
}

// AddNetwork pre-creates a network.
func (m *MockRuntime) AddNetwork(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.Networks[name] = &Network{ID: fmt.Sprintf("net-%d", m.seq), Name: name, Driver: "bridge"}
}

// AddContainer pre-creates a container in the given status.
func (m *MockRuntime) AddContainer(name, image string, status ContainerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.Containers[name] = &Container{
		ID:      fmt.Sprintf("ctr-%d", m.seq),
		Name:    name,
		Image:   image,
		Status:  status,
		Running: status == StatusRunning,
	}
}

// GetCalls returns all recorded calls.
func (m *MockRuntime) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method.
func (m *MockRuntime) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

func (m *MockRuntime) Name() string { return "mock" }

func (m *MockRuntime) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.injected("Ping")
}

func (m *MockRuntime) GetNetwork(ctx context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetNetwork", name)
	if err := m.injected("GetNetwork"); err != nil {
		return Network{}, err
	}
	n, ok := m.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("network %s: %w", name, ErrNotFound)
	}
	return *n, nil
}

func (m *MockRuntime) CreateNetwork(ctx context.Context, name string) (Network, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNetwork", name)
	if err := m.injected("CreateNetwork"); err != nil {
		return Network{}, err
	}
	if _, ok := m.Networks[name]; ok {
		return Network{}, fmt.Errorf("network %s: %w", name, ErrConflict)
	}
	m.seq++
	n := &Network{ID: fmt.Sprintf("net-%d", m.seq), Name: name, Driver: "bridge"}
	m.Networks[name] = n
	return *n, nil
}

func (m *MockRuntime) GetContainer(ctx context.Context, name string) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetContainer", name)
	if err := m.injected("GetContainer"); err != nil {
		return Container{}, err
	}
	c, ok := m.Containers[name]
	if !ok {
		return Container{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	return *c, nil
}

func (m *MockRuntime) CreateContainer(ctx context.Context, opts CreateOptions) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateContainer", opts)
	if err := m.injected("CreateContainer"); err != nil {
		return Container{}, err
	}
	if _, ok := m.Containers[opts.Name]; ok {
		return Container{}, fmt.Errorf("container %s: %w", opts.Name, ErrConflict)
	}
	if opts.Network != "" {
		if _, ok := m.Networks[opts.Network]; !ok {
			return Container{}, fmt.Errorf("network %s: %w", opts.Network, ErrNotFound)
		}
	}
	m.seq++
	c := &Container{
		ID:      fmt.Sprintf("ctr-%d", m.seq),
		Name:    opts.Name,
		Image:   opts.Image,
		Status:  StatusRunning,
		Running: true,
	}
	m.Containers[opts.Name] = c
	return *c, nil
}

func (m *MockRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	m.mu.Lock()
	m.record("Exec", name, cmd)
	gate := m.ExecGate
	err := m.injected("Exec")
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		}
	}
	if err != nil {
		return ExecResult{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Containers[name]
	if !ok {
		return ExecResult{}, fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	if !c.Running {
		return ExecResult{}, fmt.Errorf("container %s is %s", name, c.Status)
	}
	return m.ExecResults[name], nil
}

func (m *MockRuntime) RemoveContainer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemoveContainer", name)
	if err := m.injected("RemoveContainer"); err != nil {
		return err
	}
	if _, ok := m.Containers[name]; !ok {
		return fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	delete(m.Containers, name)
	return nil
}

func (m *MockRuntime) Close() error { return nil }

var (
	_ Runtime = (*MockRuntime)(nil)
	_ Runtime = (*DockerRuntime)(nil)
)
