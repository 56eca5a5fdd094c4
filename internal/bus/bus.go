// Package bus implements the in-process publish/subscribe channel that
// decouples the session engine and audio pipelines from the external
// streaming client.
//
// All cross-component communication is a named event with a payload. Events
// are dispatched from a single dispatcher goroutine in publish order, which
// is what gives the engine its ordering guarantee: outbound audio chunks are
// delivered exactly as the capture callback produced them, with no
// reordering or coalescing. Handlers therefore run off the publisher's
// goroutine and must not block for long.
//
// Subscribe returns a [*Subscription] token; cancelling the token removes the
// handler. Components that subscribe for a session's lifetime hold their
// tokens and cancel them all during teardown, so restarts cannot leak
// listeners.
package bus

import (
	"log/slog"
	"sync"
)

// defaultQueueDepth is the dispatch queue capacity. At the session block rate
// (~47 events/s of capture audio) this absorbs multi-second dispatch stalls
// before Publish blocks.
const defaultQueueDepth = 1024

// Event is a named event with an arbitrary payload.
type Event struct {
	Name    string
	Payload any
}

// Handler receives a dispatched event. Handlers run on the bus dispatcher
// goroutine; a slow handler delays every later event.
type Handler func(Event)

// Subscription is the token returned by Subscribe. Cancel removes the
// handler; cancelling more than once is a no-op.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
	once sync.Once
}

// Cancel removes the subscription's handler from the bus.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.name, s.id)
	})
}

// Bus is an in-process publish/subscribe event channel.
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*handlerEntry
	queue  chan Event
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type handlerEntry struct {
	id   uint64
	fn   Handler
	once bool
}

// New creates a Bus and starts its dispatcher goroutine.
func New() *Bus {
	b := &Bus{
		subs:  make(map[string][]*handlerEntry),
		queue: make(chan Event, defaultQueueDepth),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers fn for every event named name and returns the token
// that removes it.
func (b *Bus) Subscribe(name string, fn Handler) *Subscription {
	return b.add(name, fn, false)
}

// SubscribeOnce registers fn for the next event named name only. The
// handler is removed right before it is invoked. The returned token may be
// cancelled earlier if the event never arrives.
func (b *Bus) SubscribeOnce(name string, fn Handler) *Subscription {
	return b.add(name, fn, true)
}

func (b *Bus) add(name string, fn Handler, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	entry := &handlerEntry{id: b.nextID, fn: fn, once: once}
	b.subs[name] = append(b.subs[name], entry)
	return &Subscription{bus: b, name: name, id: entry.id}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[name]
	for i, e := range entries {
		if e.id == id {
			b.subs[name] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish enqueues evt for ordered dispatch. It blocks only when the queue
// is full. Publishing after Close drops the event.
func (b *Bus) Publish(evt Event) {
	select {
	case <-b.done:
		slog.Debug("bus: publish after close dropped", "event", evt.Name)
	case b.queue <- evt:
	}
}

// dispatch delivers queued events to handlers in publish order.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.queue:
			for _, fn := range b.snapshot(evt.Name) {
				fn(evt)
			}
		}
	}
}

// snapshot returns the handlers registered for name at dispatch time, in
// registration order, removing one-shot entries before they run.
func (b *Bus) snapshot(name string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[name]
	fns := make([]Handler, 0, len(entries))
	remaining := entries[:0:0]
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	b.subs[name] = remaining
	return fns
}

// Close stops the dispatcher. Events still queued are discarded. Safe to
// call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
