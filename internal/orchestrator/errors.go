package orchestrator

import "errors"

var (
	// ErrQueueFull means the session's pending-run queue is at capacity.
	ErrQueueFull = errors.New("orchestrator: run queue full")

	// ErrSessionClosed means the session's queue is shutting down.
	ErrSessionClosed = errors.New("orchestrator: session queue closed")

	// ErrRunAborted means the run was hard-stopped before settling.
	ErrRunAborted = errors.New("orchestrator: run aborted")

	// ErrNoActiveRun means the session has no run in flight.
	ErrNoActiveRun = errors.New("orchestrator: no active run")

	// ErrRunPanicked means the run function panicked; the worker survived.
	ErrRunPanicked = errors.New("orchestrator: run panicked")
)
