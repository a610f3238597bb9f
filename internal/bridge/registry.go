package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry tracks active calls per organization so they can be listed and
// torn down on shutdown.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*callEntry
	closed bool
	wg     sync.WaitGroup
}

type callEntry struct {
	cancel context.CancelFunc
	once   sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*callEntry),
	}
}

// Register adds a call and returns the function that removes it. The call
// counts as running until that function is called. A call already
// registered under the same id is cancelled and replaced. Calls registered
// after CloseAll are cancelled immediately.
func (r *Registry) Register(orgID, callID string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &callEntry{cancel: cancel}
	r.wg.Add(1)
	if r.closed {
		cancel()
		return func() { entry.once.Do(r.wg.Done) }
	}

	if _, exists := r.active[orgID]; !exists {
		r.active[orgID] = make(map[string]*callEntry)
	}
	if existing, exists := r.active[orgID][callID]; exists {
		existing.cancel()
	}
	r.active[orgID][callID] = entry
	slog.Info("Call registered", "organization_id", orgID, "call_id", callID)
	return func() { r.unregister(orgID, callID, entry) }
}

func (r *Registry) unregister(orgID, callID string, entry *callEntry) {
	defer entry.once.Do(r.wg.Done)

	r.mu.Lock()
	defer r.mu.Unlock()

	if calls, ok := r.active[orgID]; ok {
		if current, exists := calls[callID]; exists && current == entry {
			delete(calls, callID)
			if len(calls) == 0 {
				delete(r.active, orgID)
			}
			slog.Info("Call unregistered", "organization_id", orgID, "call_id", callID)
		}
	}
}

// Active returns the ids of an organization's active calls.
func (r *Registry) Active(orgID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active[orgID]))
	for id := range r.active[orgID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, calls := range r.active {
		n += len(calls)
	}
	return n
}

// CloseAll cancels every active call and waits until each has
// unregistered or ctx ends.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var cancels []context.CancelFunc
	for orgID, calls := range r.active {
		for id, entry := range calls {
			cancels = append(cancels, entry.cancel)
			slog.Info("Call closed", "organization_id", orgID, "call_id", id)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d call(s): %w", r.Count(), ctx.Err())
	}
}
