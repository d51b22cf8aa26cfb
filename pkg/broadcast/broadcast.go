// Package broadcast is a publish/subscribe channel across user contexts
// (browser tabs). Advisory only: anomaly heuristics listen here, the
// single-flight refresh guard is the correctness mechanism.
package broadcast

import (
	"context"
	"sync"
	"time"
)

// Event announces a tenant switch observed in some context.
type Event struct {
	ContextID string    `json:"context_id,omitempty"`
	TenantID  string    `json:"tenant_id"`
	At        time.Time `json:"at"`
}

type Channel interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events until cancel is called. Slow consumers
	// may miss events; nothing here is correctness-bearing.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

type memChannel struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewMemory returns an in-process channel.
func NewMemory() Channel {
	return &memChannel{subs: map[int]chan Event{}}
}

func (c *memChannel) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (c *memChannel) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	ch := make(chan Event, 16)
	c.subs[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
	return ch, cancel, nil
}
