// Package enginetest provides a scripted engine implementation for tests.
package enginetest

import (
	"context"
	"sync"

	"courier/internal/engine"
)

// Script is one scripted engine run: the events to emit, in order.
type Script struct {
	// Events are emitted in order after an optional Init event.
	Events []engine.Event

	// RunErr, when set, fails the Run call itself.
	RunErr error

	// RejectResume fails the run with ErrResumeFailed when a resume
	// token is supplied, exercising the clear-and-retry path.
	RejectResume bool

	// SupportsInject enables the handle's Inject.
	SupportsInject bool

	// Hold, when non-nil, keeps the run open after emitting Events until
	// the channel is closed or the context is cancelled.
	Hold chan struct{}
}

// Fake is a scripted engine.Engine. Each Run consumes the next script.
type Fake struct {
	mu      sync.Mutex
	scripts []Script
	specs   []engine.RunSpec

	// Injected collects texts delivered through the handle.
	Injected []string

	// Interrupted counts handle interrupts.
	Interrupted int
}

// NewFake creates a fake engine with the given run scripts.
func NewFake(scripts ...Script) *Fake {
	return &Fake{scripts: scripts}
}

// Specs returns the RunSpecs seen so far.
func (f *Fake) Specs() []engine.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.RunSpec(nil), f.specs...)
}

// Run implements engine.Engine.
func (f *Fake) Run(ctx context.Context, spec engine.RunSpec) (<-chan engine.Event, engine.Handle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)

	var script Script
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.mu.Unlock()

	if script.RunErr != nil {
		return nil, nil, script.RunErr
	}
	if script.RejectResume && spec.ResumeToken != "" {
		return nil, nil, engine.ErrResumeFailed
	}

	ch := make(chan engine.Event, len(script.Events)+1)
	go func() {
		defer close(ch)
		for _, ev := range script.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if script.Hold != nil {
			select {
			case <-script.Hold:
			case <-ctx.Done():
			}
		}
	}()

	var handle engine.Handle
	if script.SupportsInject {
		handle = &fakeHandle{fake: f}
	}
	return ch, handle, nil
}

type fakeHandle struct {
	fake *Fake
}

func (h *fakeHandle) Inject(text string) error {
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	h.fake.Injected = append(h.fake.Injected, text)
	return nil
}

func (h *fakeHandle) Interrupt() error {
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	h.fake.Interrupted++
	return nil
}

func (h *fakeHandle) SetModel(string) error {
	return engine.ErrNotSupported
}
