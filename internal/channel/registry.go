// Package channel wires chat adapters into the orchestration core: the
// registry owns adapter lifecycle, the router turns inbound messages into
// runs, injections, or approval replies.
package channel

import (
	"context"
	"fmt"
	"sync"

	"courier/pkg/channel"
)

// Registry holds the configured channel adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]channel.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]channel.Adapter)}
}

// Register adds an adapter under its name.
func (r *Registry) Register(a channel.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (channel.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns every registered adapter.
func (r *Registry) All() []channel.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]channel.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// StartAll starts every adapter, failing fast on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, a := range r.All() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", a.Name(), err)
		}
	}
	return nil
}

// StopAll stops every adapter, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, a := range r.All() {
		if err := a.Stop(ctx); err != nil {
			lastErr = fmt.Errorf("stop channel %s: %w", a.Name(), err)
		}
	}
	return lastErr
}

// Ask delivers a question through the named adapter. This satisfies the
// broker's Asker contract.
func (r *Registry) Ask(ctx context.Context, channelName, chatID, text string) (string, error) {
	a, ok := r.Get(channelName)
	if !ok {
		return "", fmt.Errorf("unknown channel: %s", channelName)
	}
	return a.AskQuestion(ctx, chatID, text)
}
