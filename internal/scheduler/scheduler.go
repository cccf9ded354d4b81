// Package scheduler runs deferred callbacks on a single dispatcher goroutine.
//
// Timers never touch shared state themselves: when a timer fires its callback
// is queued, and Run (or Drain) executes queued callbacks one at a time.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultQueueSize = 256

// Scheduler owns the event queue fed by timers.
type Scheduler struct {
	clock  clock.Clock
	events chan *Handle

	closeOnce sync.Once
	done      chan struct{}
}

// Handle identifies one scheduled callback.
type Handle struct {
	fn        func()
	timer     *clock.Timer
	cancelled atomic.Bool
}

// New creates a scheduler on the given clock. A nil clock means wall time.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:  clk,
		events: make(chan *Handle, defaultQueueSize),
		done:   make(chan struct{}),
	}
}

// Clock returns the clock timers are armed on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arranges for fn to be dispatched after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Handle {
	h := &Handle{fn: fn}
	h.timer = s.clock.AfterFunc(d, func() { s.enqueue(h) })
	return h
}

func (s *Scheduler) enqueue(h *Handle) {
	if h.cancelled.Load() {
		return
	}
	select {
	case s.events <- h:
	case <-s.done:
	}
}

// Cancel stops the callback from running. It reports whether the callback was
// still pending.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	if h.cancelled.Swap(true) {
		return false
	}
	h.timer.Stop()
	return true
}

// Run dispatches queued callbacks until ctx is done or the scheduler is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case h := <-s.events:
			s.dispatch(h)
		}
	}
}

// Drain dispatches every callback queued right now and returns how many ran.
func (s *Scheduler) Drain() int {
	n := 0
	for {
		select {
		case h := <-s.events:
			if s.dispatch(h) {
				n++
			}
		default:
			return n
		}
	}
}

func (s *Scheduler) dispatch(h *Handle) bool {
	if h.cancelled.Swap(true) {
		return false
	}
	h.fn()
	return true
}

// Close stops Run and makes pending timer fires no-ops.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
