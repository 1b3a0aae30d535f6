// Package queue provides a serial task queue that runs at most one task at a
// time, in submission order, and reports when it drains.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned for tasks submitted to, or still pending in, a closed queue
var ErrQueueClosed = errors.New("queue is closed")

// Task is a unit of work executed by the queue.
// The context is cancelled when the queue is closed.
type Task func(ctx context.Context) error

// Future is resolved when its task has finished
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed once the task has finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task's error. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done, whichever happens first
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option is a function that configures the queue
type Option func(*Serial)

// WithIdleFunc sets the function called each time the queue transitions from
// non-empty to empty. It is called from the queue goroutine with no lock held.
func WithIdleFunc(fn func()) Option {
	return func(q *Serial) {
		q.idleFn = fn
	}
}

// WithName sets the name used when logging
func WithName(name string) Option {
	return func(q *Serial) {
		q.name = name
	}
}

type item struct {
	task   Task
	future *Future
}

// Serial is a FIFO queue with a concurrency of one.
// A task never starts before the previous one has settled, whether it succeeded,
// failed or panicked.
type Serial struct {
	name   string
	idleFn func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []*item
	running bool // a drain goroutine is active
	active  bool // a task body is executing
	closed  bool
}

// NewSerial creates an empty queue
func NewSerial(opts ...Option) *Serial {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Serial{
		name:   "serial",
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue submits a task and returns a Future resolved when that task finishes.
// Tasks submitted after Close resolve immediately with ErrQueueClosed.
func (q *Serial) Enqueue(task Task) *Future {
	future := newFuture()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		future.resolve(ErrQueueClosed)
		return future
	}

	q.pending = append(q.pending, &item{task: task, future: future})
	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain()
	}

	return future
}

// Len returns the number of queued tasks, including the one currently executing
func (q *Serial) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if q.active {
		n++
	}
	return n
}

// Close stops accepting tasks, resolves pending ones with ErrQueueClosed and
// waits for the executing task to return. The executing task's context is cancelled.
func (q *Serial) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range dropped {
		it.future.resolve(ErrQueueClosed)
	}

	q.cancel()
	q.wg.Wait()
}

func (q *Serial) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.running = false
			q.active = false
			closed := q.closed
			q.mu.Unlock()

			if !closed && q.idleFn != nil {
				slog.Debug("Queue idle", "queue", q.name)
				q.idleFn()
			}
			return
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active = true
		q.mu.Unlock()

		next.future.resolve(q.run(next.task))

		q.mu.Lock()
		q.active = false
		q.mu.Unlock()
	}
}

func (q *Serial) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(q.ctx)
}
