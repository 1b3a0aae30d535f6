package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned when publishing to a closed bus
var ErrBusClosed = errors.New("event bus closed")

// Handler reacts to one event. A returned error is logged by the bus.
type Handler func(ctx context.Context, ev Event) error

// Bus delivers events to subscribers in publish order from a single goroutine.
// Handlers therefore never run concurrently with each other, and a slow handler
// delays later events.
type Bus struct {
	mu      sync.Mutex
	pending []Event
	subs    map[uint64]Handler
	order   []uint64
	nextID  uint64
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewBus creates a bus. Events are buffered until Run is called.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]Handler),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Subscribe registers h for every event and returns a function that removes it
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish queues ev for delivery and returns immediately
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches events until ctx is cancelled or Close is called.
// Events already queued when Close is called are still delivered.
func (b *Bus) Run(ctx context.Context) error {
	defer close(b.done)

	for {
		for {
			ev, handlers, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(ctx, ev, handlers)
		}

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
		}
	}
}

// Close stops accepting events. Run delivers whatever is still queued and then
// returns; wait on Done to observe that.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// next pops the oldest event together with a snapshot of the subscribers
func (b *Bus) next() (Event, []Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil, false
	}

	ev := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]

	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	return ev, handlers, true
}

func (b *Bus) dispatch(ctx context.Context, ev Event, handlers []Handler) {
	for _, h := range handlers {
		if err := safeCall(ctx, h, ev); err != nil {
			slog.Error("Event handler failed", "event", ev.Name(), "error", err)
		}
	}
}

func safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, ev)
}
