package pipeline

import "errors"

// Sentinel errors returned by the registry and the URL store.
var (
	// ErrAlreadyRunning means a collector job is already registered for the
	// batch id.
	ErrAlreadyRunning = errors.New("collector already running for batch")
	// ErrNotFound means the requested batch, task, or URL does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState means a write attempted to transition a batch or task
	// out of a terminal state.
	ErrTerminalState = errors.New("already in terminal state")
)
