package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a state change is attempted from a
// state the state machine does not allow it from.
var ErrInvalidTransition = errors.New("storage: invalid state transition")

// ErrBusy is returned when a write kept losing row-lock contention after
// every retry.
var ErrBusy = errors.New("storage: busy")
