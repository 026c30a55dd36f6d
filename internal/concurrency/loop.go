// File: internal/concurrency/loop.go
// Package concurrency implements the per-connection serial event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop executes posted tasks one at a time, in posting order, on the
// goroutine that calls Run. Every callback of a connection runs on its loop,
// so connection state needs no locking of its own.

package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrLoopStopped is returned when posting to a stopped loop.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop is a FIFO serial executor.
type Loop struct {
	mu      sync.Mutex
	tasks   *queue.Queue
	stopped bool

	signal  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	running int32

	executed atomic.Uint64
}

// NewLoop creates an idle loop. Call Run to start executing tasks.
func NewLoop() *Loop {
	return &Loop{
		tasks:  queue.New(),
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It returns false if the loop was stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks.Add(fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

// Run executes tasks until Stop is called or ctx is done. Tasks queued
// before the stop are still executed. Run may be called only once.
func (l *Loop) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return errors.New("event loop already running")
	}
	defer close(l.done)

	for {
		if fn, ok := l.next(); ok {
			fn()
			l.executed.Add(1)
			continue
		}
		select {
		case <-l.signal:
		case <-l.stopCh:
			l.drain()
			return nil
		case <-ctx.Done():
			l.Stop()
			l.drain()
			return ctx.Err()
		}
	}
}

// Stop rejects further posts and lets Run finish the backlog and return.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stopCh)
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks.Length() == 0 {
		return nil, false
	}
	return l.tasks.Remove().(func()), true
}

func (l *Loop) drain() {
	for {
		fn, ok := l.next()
		if !ok {
			return
		}
		fn()
		l.executed.Add(1)
	}
}
