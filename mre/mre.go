// Package mre implements a manual-reset event: a gate that is either open
// or closed, where Wait parks until the gate opens and Set opens it,
// releasing every current waiter at once. Unlike rwlock.Lock's partial,
// predicate-gated drain, Set always wakes the entire queue — there is no
// notion of a waiter whose turn hasn't come yet.
//
// Built on the same future.Future / waitqueue.Queue infrastructure as
// rwlock.Lock and semaphore.Weighted, per spec.md §2's naming of
// "manual-reset event" as a sibling primitive meant to share this
// module's queue/future machinery.
package mre

import (
	"context"
	"sync"

	"github.com/newcomingsoon/asynclock/future"
	"github.com/newcomingsoon/asynclock/waitqueue"
)

// Event is a manual-reset event. The zero value is a closed (unset)
// event, ready to use.
type Event struct {
	mu    sync.Mutex
	set   bool
	queue waitqueue.Queue
}

// New returns a closed Event.
func New() *Event {
	return &Event{}
}

// NewSet returns an already-open Event.
func NewSet() *Event {
	return &Event{set: true}
}

// Wait returns a Future that resolves successfully as soon as the event
// is set, either because it already was, or because a subsequent Set
// call drains this waiter. ctx governs cancellation the same way it does
// for rwlock.Lock's acquire methods: a deadline or external cancellation
// resolves the Future to Cancelled/Success(false) without ever opening
// the event.
func (e *Event) Wait(ctx context.Context) *future.Future {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return future.Resolved(true)
	}
	node := e.queue.Append(waitqueue.ReadShared, future.New())
	e.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go e.watchCancellation(node, ctx)
	}
	return node.Signal
}

func (e *Event) watchCancellation(node *waitqueue.Node, ctx context.Context) {
	select {
	case <-node.Signal.Done():
		return
	case <-ctx.Done():
	}

	e.mu.Lock()
	if !e.queue.Linked(node) {
		e.mu.Unlock()
		return
	}
	e.queue.Unlink(node)
	e.mu.Unlock()

	if ctx.Err() == context.DeadlineExceeded {
		node.Signal.CompleteSuccess(false)
	} else {
		node.Signal.CompleteCancel(ctx.Err())
	}
}

// Set opens the event, if it isn't already, and releases every waiter
// queued at the time of the call. Idempotent: setting an already-set
// event is a no-op.
func (e *Event) Set() {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return
	}
	e.set = true

	var woken []*waitqueue.Node
	for {
		n := e.queue.PopHead()
		if n == nil {
			break
		}
		woken = append(woken, n)
	}
	e.mu.Unlock()

	for _, n := range woken {
		n.Signal.CompleteSuccess(true)
	}
}

// Reset closes the event. Waiters already released by a prior Set are
// unaffected; only future Wait calls will block again.
func (e *Event) Reset() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// IsSet reports whether the event is currently open. Advisory: may be
// stale the instant after it's observed.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}
