package util

import (
	"sync"
	"time"
)

// Event is a single-slot signal shared between one producer and one consumer.
// It behaves like a manually reset flag: Set wakes all current and future
// waiters until Clear is called.  The zero value is not usable; create
// events with NewEvent.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent returns an Event in the cleared state.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set raises the event, waking any waiters.  Setting a raised event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear lowers the event.  Clearing a lowered event is a no-op.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet returns true if the event is currently raised.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is raised or the timeout elapses, returning
// true if the event was raised.  A timeout <= 0 waits forever.
func (e *Event) Wait(timeout time.Duration) bool {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return true
	}
	ch := e.ch
	e.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
