// Package debounce provides a trailing-edge debouncer that collapses a burst of
// triggers into a single call once no further trigger arrived for a quiet period.
package debounce

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Option is a function that configures a Debouncer
type Option func(*Debouncer)

// WithClock sets the clock used to measure the quiet period.
// Tests pass a fake clock to step time deterministically.
func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

// WithName sets the name used when logging
func WithName(name string) Option {
	return func(d *Debouncer) {
		d.name = name
	}
}

// Debouncer delays an action until Trigger has not been called for the quiet period.
// Every trigger received while a call is pending cancels and re-arms it, so a burst
// of triggers results in exactly one trailing call. Calls never overlap: one that
// comes due while the action is still running is made right after it returns.
type Debouncer struct {
	quiet  time.Duration
	action func()
	clock  clock.Clock
	name   string

	mu    sync.Mutex
	timer clock.Timer
	stop  chan struct{}
	// gen identifies the currently armed timer; a fire carrying an older
	// generation lost the race against a Trigger or Cancel and is dropped.
	gen uint64

	running bool
	// rerun is set when a call came due while the action was running
	rerun bool
}

// New creates a Debouncer that runs action after quiet has elapsed without a trigger.
func New(quiet time.Duration, action func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		quiet:  quiet,
		action: action,
		clock:  clock.RealClock{},
		name:   "debounce",
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Trigger arms the trailing call, cancelling a pending one.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disarmLocked()

	d.gen++
	gen := d.gen
	timer := d.clock.NewTimer(d.quiet)
	stop := make(chan struct{})
	d.timer = timer
	d.stop = stop

	go d.wait(timer, stop, gen)
}

// Cancel drops a pending call, if any.
// It reports whether a call was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := d.timer != nil
	d.disarmLocked()
	d.gen++
	return pending
}

// Flush runs a pending call immediately instead of waiting for the quiet period,
// or right after the running one. It reports whether a call was pending.
func (d *Debouncer) Flush() bool {
	if !d.Cancel() {
		return false
	}
	d.fire()
	return true
}

// Pending reports whether a trailing call is armed
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *Debouncer) disarmLocked() {
	if d.timer == nil {
		return
	}
	d.timer.Stop()
	close(d.stop)
	d.timer = nil
	d.stop = nil
}

func (d *Debouncer) wait(timer clock.Timer, stop <-chan struct{}, gen uint64) {
	select {
	case <-timer.C():
	case <-stop:
		return
	}

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.stop = nil
	d.mu.Unlock()

	d.fire()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.running {
		d.rerun = true
		d.mu.Unlock()
		slog.Debug("Debounced action still running, queueing another call", "debouncer", d.name)
		return
	}
	d.running = true
	d.mu.Unlock()

	for {
		d.run()

		d.mu.Lock()
		if !d.rerun {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.rerun = false
		d.mu.Unlock()
	}
}

func (d *Debouncer) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Debounced action panicked",
				"debouncer", d.name,
				"error", fmt.Sprint(r))
		}
	}()

	slog.Debug("Running debounced action", "debouncer", d.name, "quiet_period", d.quiet)
	d.action()
}
