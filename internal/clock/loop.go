// Package clock provides the single logical thread the scan orchestrator runs on.
//
// Every mutation of orchestrator state happens inside a callback executed by a
// Loop: frame ticks, timer expirations and network completions are all queued
// and run one at a time, in order. Blocking work (HTTP requests) runs through
// Go and reports back with Post.
package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable handle for a callback scheduled with AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Loop serializes callbacks onto one logical thread.
type Loop interface {
	// Now returns the loop's current time.
	Now() time.Time

	// AfterFunc runs fn on the loop after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Post queues fn to run on the loop.
	Post(fn func())

	// Go runs blocking work off the loop. fn must use Post to touch loop state.
	Go(fn func())
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

// EventLoop is the production Loop backed by real timers and a goroutine
// running queued callbacks in FIFO order.
type EventLoop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  atomic.Bool
}

// NewEventLoop creates an event loop. Call Run to start draining callbacks.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake: make(chan struct{}, 1),
	}
}

// Run drains queued callbacks until ctx is cancelled. Callbacks posted after
// Run returns are dropped.
func (l *EventLoop) Run(ctx context.Context) error {
	defer l.closed.Store(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			for {
				l.mu.Lock()
				batch := l.pending
				l.pending = nil
				l.mu.Unlock()

				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					fn()
				}
			}
		}
	}
}

func (l *EventLoop) Now() time.Time {
	return time.Now()
}

func (l *EventLoop) Post(fn func()) {
	if fn == nil || l.closed.Load() {
		return
	}

	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) Go(fn func()) {
	go fn()
}

// AfterFunc schedules fn on the loop. A timer stopped on the loop before its
// queued callback runs never invokes fn, even if the underlying time.Timer
// already fired.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return lt
}

type loopTimer struct {
	t     *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	t.t.Stop()
	return true
}
