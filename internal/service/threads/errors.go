package threads

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the thread has an active run.
	ErrAlreadyRunning = errors.New("threads: thread already has an active run")

	// ErrShuttingDown is returned by Start once Drain has begun.
	ErrShuttingDown = errors.New("threads: service is shutting down")
)

// InputError reports a request the caller must fix.
type InputError struct {
	msg string
}

func (e *InputError) Error() string { return e.msg }

// Phase names a step of the background run.
type Phase string

const (
	PhaseProvision Phase = "provision"
	PhaseExecute   Phase = "execute"
	PhaseRecord    Phase = "record"
	PhasePersist   Phase = "persist"
)

// PhaseError tags a background-run failure with the phase that produced it.
type PhaseError struct {
	Phase Phase
	Err   error
	// Detail is merged into the error log's metadata.
	Detail map[string]any
}

func (e *PhaseError) Error() string { return e.Err.Error() }

func (e *PhaseError) Unwrap() error { return e.Err }

// Class returns the failure class reported in logs and metrics.
func (e *PhaseError) Class() string {
	switch e.Phase {
	case PhaseProvision:
		return "ProvisioningFailure"
	case PhaseExecute:
		return "ExecutionFailure"
	case PhaseRecord:
		return "RecordingFailure"
	default:
		return "PersistenceFailure"
	}
}

func phaseErr(p Phase, err error) *PhaseError {
	return &PhaseError{Phase: p, Err: err}
}
