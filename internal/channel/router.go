package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/flydesk/flydesk/internal/models"
)

// Adapter is one channel backend (chat stream, email). Adapters translate
// agent events into channel-native deliveries.
type Adapter interface {
	Name() string
	Deliver(ctx context.Context, userID string, e models.AgentEvent) error
}

// Router maps channel tags to adapters. Registration happens at startup;
// the map is read-only during request handling, so lookups take the read
// lock only to guard against misuse during boot.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its own Name. Call only during startup.
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under tag.
func (r *Router) Get(tag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// Deliver routes one event to the named channel.
func (r *Router) Deliver(ctx context.Context, tag, userID string, e models.AgentEvent) error {
	a, ok := r.Get(tag)
	if !ok {
		return fmt.Errorf("unknown channel %q", tag)
	}
	return a.Deliver(ctx, userID, e)
}
