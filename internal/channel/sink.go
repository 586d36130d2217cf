// Package channel carries agent events from the turn executor to whatever
// transport the conversation runs on. The EventSink side is protocol-neutral;
// adapters (SSE, email) translate events into their channel's wire shape.
package channel

import (
	"context"
	"sync"

	"github.com/flydesk/flydesk/internal/models"
)

// EventSink receives agent events during a turn. A sink is per-connection;
// ordering within one sink is FIFO. Implementations must be safe to call
// from multiple goroutines and must not drop events on backpressure — if the
// transport cannot accept, Emit blocks until it can or ctx is done.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// MultiSink fans out events to multiple sinks in order. Nil sinks are
// filtered out at construction.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches events to every given sink.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// RecordingSink accumulates events in memory for test assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// Emit appends the event to the recorded log.
func (s *RecordingSink) Emit(_ context.Context, e models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything emitted so far, in order.
func (s *RecordingSink) Events() []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AgentEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns just the event type names, in emission order.
func (s *RecordingSink) Types() []models.AgentEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AgentEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
