package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Sink is the observer side that components report lifecycle events to.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink. The function is called synchronously
// on the publishing goroutine, so it must not block.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

type Bus interface {
	Sink
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop returns a sink that discards everything.
func Nop() Sink { return SinkFunc(func(Event) {}) }

// Tee publishes every event to all non-nil sinks in order.
func Tee(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range out {
			s.Publish(e)
		}
	})
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock across sends: Publish never blocks, and it keeps
	// Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
