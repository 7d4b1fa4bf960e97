package eventbus

import (
	"maps"
	"sync"
)

// Counter is a Sink that tallies events by type. It runs on the publishing
// goroutine, so unlike a Subscribe channel it never drops an event.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewCounter() *Counter { return &Counter{counts: map[string]uint64{}} }

func (c *Counter) Publish(e Event) {
	c.mu.Lock()
	c.counts[e.Type]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the totals seen so far.
func (c *Counter) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

func (c *Counter) Get(typ string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[typ]
}
