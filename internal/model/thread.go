// Package model defines the core domain types for threadbox.
//
// Threads and logs map one-to-one onto database rows. State is a typed string
// whose transitions are owned by the orchestrator; nothing outside
// internal/service/threads writes it.
package model

import (
	"fmt"
	"time"
)

// ThreadState is the lifecycle state of a thread.
type ThreadState string

const (
	ThreadStateIdle      ThreadState = "idle"
	ThreadStateStarting  ThreadState = "starting"
	ThreadStateCompleted ThreadState = "completed"
	ThreadStateError     ThreadState = "error"
)

// transitions lists, for each target state, the states it may be entered from.
var transitions = map[ThreadState][]ThreadState{
	ThreadStateStarting:  {ThreadStateIdle, ThreadStateCompleted, ThreadStateError},
	ThreadStateCompleted: {ThreadStateStarting},
	ThreadStateError:     {ThreadStateStarting},
}

// Valid reports whether s is one of the known states.
func (s ThreadState) Valid() bool {
	switch s {
	case ThreadStateIdle, ThreadStateStarting, ThreadStateCompleted, ThreadStateError:
		return true
	}
	return false
}

// Terminal reports whether s ends a run.
func (s ThreadState) Terminal() bool {
	return s == ThreadStateCompleted || s == ThreadStateError
}

// AllowedFrom returns the states a thread may be in for a move to s.
// Nothing transitions into idle; it is only assigned at creation.
func (s ThreadState) AllowedFrom() []ThreadState {
	return transitions[s]
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ThreadState) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// StateStrings converts states to plain strings for SQL parameters.
func StateStrings(states []ThreadState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// Thread is a unit of orchestrated work with its own sandbox.
type Thread struct {
	ID        string         `json:"id"`
	Name      string         `json:"thread_name"`
	State     ThreadState    `json:"state"`
	Metadata  map[string]any `json:"metadata"`
	CreatedOn time.Time      `json:"created_on"`
	EditedOn  time.Time      `json:"edited_on"`
}

// ThreadSummary is a thread plus its log count, as returned by list queries.
type ThreadSummary struct {
	Thread
	LogCount int `json:"log_count"`
}

// SandboxHealth reports the container status behind a thread.
type SandboxHealth struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}

// ThreadDetail is the full read view of one thread.
type ThreadDetail struct {
	Thread
	LogCount int           `json:"log_count"`
	Health   SandboxHealth `json:"health"`
	Logs     []Log         `json:"logs"`
}

// Thread metadata keys written by the orchestrator.
const (
	MetaContainerID   = "container_id"
	MetaContainerName = "container_name"
	MetaImage         = "image"
	MetaNetwork       = "network"
	MetaExitCode      = "exit_code"
	MetaError         = "error"
	MetaErrorPhase    = "error_phase"
)

// MaxThreadNameLen bounds thread_name.
const MaxThreadNameLen = 255

// ValidateThreadName checks that a name is present and bounded.
func ValidateThreadName(name string) error {
	if name == "" {
		return fmt.Errorf("thread_name is required")
	}
	if len(name) > MaxThreadNameLen {
		return fmt.Errorf("thread_name must be at most %d characters", MaxThreadNameLen)
	}
	return nil
}
