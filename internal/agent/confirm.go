package agent

import (
	"context"
	"sync"
)

// ConfirmBroker matches an in-flight confirmation request (emitted before a
// high-risk tool executes) with the user's eventual yes/no reply. The turn
// goroutine parks in the wait function; the HTTP confirmation endpoint
// calls Resolve.
type ConfirmBroker struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewConfirmBroker creates an empty broker.
func NewConfirmBroker() *ConfirmBroker {
	return &ConfirmBroker{waiters: make(map[string]chan bool)}
}

// Expect registers a waiter for widgetID before the confirmation event is
// emitted, so a reply can never arrive ahead of its waiter. The returned
// function blocks until Resolve delivers the decision or ctx is done; a
// cancelled context counts as denial.
func (b *ConfirmBroker) Expect(widgetID string) func(ctx context.Context) (bool, error) {
	ch := make(chan bool, 1)
	b.mu.Lock()
	b.waiters[widgetID] = ch
	b.mu.Unlock()

	return func(ctx context.Context) (bool, error) {
		defer func() {
			b.mu.Lock()
			delete(b.waiters, widgetID)
			b.mu.Unlock()
		}()
		select {
		case approved := <-ch:
			return approved, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Resolve delivers the user's decision to the waiting turn. Returns false
// if no turn is waiting on this widget ID (already resolved, or expired).
func (b *ConfirmBroker) Resolve(widgetID string, approved bool) bool {
	b.mu.Lock()
	ch, ok := b.waiters[widgetID]
	if ok {
		delete(b.waiters, widgetID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}
