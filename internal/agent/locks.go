package agent

import "sync"

// conversationLocks serializes turns per conversation: two simultaneous
// requests on the same conversation queue, turns on different conversations
// proceed in parallel.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*entry)}
}

// acquire blocks until the conversation's lock is held. The returned func
// releases it and discards the entry once no turn is waiting.
func (c *conversationLocks) acquire(conversationID string) func() {
	c.mu.Lock()
	e, ok := c.locks[conversationID]
	if !ok {
		e = &entry{}
		c.locks[conversationID] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}
