// Package event runs the single-goroutine event loop that owns one downstream
// connection. Everything touching a connection's session state is posted here.
package event

import (
	"context"
	"sync"
)

// DeferredDeletable is an object whose teardown must wait until the event
// currently running on the dispatcher has returned.
type DeferredDeletable interface {
	Destroy()
}

// Dispatcher is the per-connection execution context.
type Dispatcher interface {
	// Post queues fn to run on the dispatcher goroutine. Safe from any goroutine.
	Post(fn func())
	// DeferredDelete schedules d.Destroy after the current event. Dispatcher goroutine only.
	DeferredDelete(d DeferredDeletable)
}

// Loop is a Dispatcher backed by a FIFO of posted closures.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	exited bool
	wake   chan struct{}
	done   chan struct{}

	deferred []DeferredDeletable
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post implements Dispatcher. Posts after Exit are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// DeferredDelete implements Dispatcher.
func (l *Loop) DeferredDelete(d DeferredDeletable) {
	l.deferred = append(l.deferred, d)
}

// ClearDeferredDeleteList destroys everything scheduled so far, including
// objects scheduled by the destructors themselves.
func (l *Loop) ClearDeferredDeleteList() {
	for len(l.deferred) > 0 {
		pending := l.deferred
		l.deferred = nil
		for _, d := range pending {
			d.Destroy()
		}
	}
}

// Exit stops the loop once the batch being processed has finished.
func (l *Loop) Exit() {
	l.mu.Lock()
	l.exited = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run processes posted events until Exit is called or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.ClearDeferredDeleteList()

	for {
		if !l.RunPending() {
			return
		}
		select {
		case <-ctx.Done():
			l.Exit()
			return
		case <-l.wake:
		}
	}
}

// RunPending runs every event queued at the time of the call, flushing the
// deferred delete list after each one. It reports false once the loop has exited.
func (l *Loop) RunPending() bool {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	exited := l.exited
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
		l.ClearDeferredDeleteList()
	}
	return !exited
}
