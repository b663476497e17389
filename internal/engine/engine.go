// Package engine defines the contract between the orchestration core and the
// language-model execution engine. The concrete engine lives outside this
// repo; the core treats it as an opaque asynchronous event producer.
package engine

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by engine implementations.
var (
	// ErrResumeFailed indicates the resume token was rejected; the caller
	// should clear it and retry once from scratch.
	ErrResumeFailed = errors.New("engine: resume failed")

	// ErrAuthExpired indicates the engine credentials need re-authentication.
	ErrAuthExpired = errors.New("engine: authentication expired")

	// ErrNotSupported indicates an optional handle capability is unavailable.
	ErrNotSupported = errors.New("engine: not supported")
)

// Approver is consulted before the engine executes a tool.
type Approver interface {
	// ApproveTool blocks until the tool call is allowed or denied.
	ApproveTool(ctx context.Context, toolName string, input []byte) (approved bool, err error)
}

// RunSpec describes one engine run.
type RunSpec struct {
	SessionKey  string
	Prompt      string
	ResumeToken string
	Approver    Approver

	// ExtraContext is prepended system context (channel metadata,
	// back-references for late answers).
	ExtraContext string
}

// Handle exposes optional live controls over a running engine session.
// Any method may return ErrNotSupported.
type Handle interface {
	// Inject delivers text as an additional turn into the live run.
	Inject(text string) error

	// Interrupt requests graceful mid-turn cancellation.
	Interrupt() error

	// SetModel switches the model for subsequent turns.
	SetModel(model string) error
}

// Engine produces an asynchronous event stream for a run. The returned
// channel is closed when the run fully settles; the context cancels it.
// Handle may be nil when the engine offers no live controls.
type Engine interface {
	Run(ctx context.Context, spec RunSpec) (<-chan Event, Handle, error)
}
