// Package future implements a one-shot, multi-producer/single-consumer
// deferred completion value: a Future is created pending, is resolved
// exactly once (by whichever of a grant, a timeout, a cancellation, or a
// fault gets there first), and is then awaited by any number of readers.
//
// It is the bottom layer of this module's queued-synchronizer
// infrastructure (see the rwlock, semaphore, and mre packages), playing
// the role the teacher's semaphore.Weighted filled inline with a bare
// "ready chan struct{}" per waiter.
package future

import (
	"context"
	"errors"
	"sync"
)

// Outcome is the terminal state of a Future. A Future starts Pending and
// transitions to exactly one of the others, exactly once.
type Outcome int

const (
	Pending Outcome = iota
	Success
	Cancelled
	Faulted
)

var (
	// ErrTimeout is returned by WaitOrTimeout when the Future resolved to
	// Success(false) — i.e. the deadline elapsed before a grant arrived.
	ErrTimeout = errors.New("future: deadline elapsed before resolution")

	// ErrCancelled is returned when an external cancellation (as opposed
	// to a deadline) tripped before resolution.
	ErrCancelled = errors.New("future: cancelled before resolution")
)

// Future is a one-shot deferred completion. The zero value is not usable;
// construct with New or Resolved.
//
// Per spec.md §4.1 and §6, the deadline and cancellation source that can
// resolve a Future early are bound once, at the point the Future is
// created by its owning acquire call — not at Wait time. The owner (see
// rwlock.Lock.acquire) races a lightweight watcher goroutine against
// normal completion and unlinks/completes the Future the moment ctx is
// done. The ctx a caller passes to Wait itself is independent of that: it
// only governs how long this particular call is willing to keep
// observing the Future, not whether the underlying request is cancelled.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	outcome Outcome
	value   bool
	err     error
}

// New returns a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns an already-successful Future, used on the fast
// acquire path (spec: "the returned signal is already resolved
// successfully (no scheduling needed)").
func Resolved(ok bool) *Future {
	f := &Future{done: make(chan struct{}), outcome: Success, value: ok}
	close(f.done)
	return f
}

// Done returns a channel that is closed when the Future resolves, for
// callers that prefer to select rather than call Wait.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the current terminal state, or Pending if unresolved.
// Advisory only, like the rwlock state-query accessors: it may be stale
// the instant after it's observed.
func (f *Future) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

// CompleteSuccess resolves the Future to Success(ok). Idempotent-after-
// terminal: a call on an already-resolved Future is a no-op and reports
// false, since a release path may legitimately race a timeout.
func (f *Future) CompleteSuccess(ok bool) bool {
	return f.complete(Success, ok, nil)
}

// CompleteCancel resolves the Future to Cancelled.
func (f *Future) CompleteCancel(err error) bool {
	if err == nil {
		err = ErrCancelled
	}
	return f.complete(Cancelled, false, err)
}

// CompleteFault resolves the Future to Faulted with the given error.
func (f *Future) CompleteFault(err error) bool {
	return f.complete(Faulted, false, err)
}

func (f *Future) complete(outcome Outcome, value bool, err error) bool {
	f.mu.Lock()
	if f.outcome != Pending {
		f.mu.Unlock()
		return false
	}
	f.outcome = outcome
	f.value = value
	f.err = err
	f.mu.Unlock()
	close(f.done)
	return true
}

func (f *Future) result() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.outcome {
	case Success:
		return f.value, nil
	case Cancelled:
		return false, f.err
	case Faulted:
		return false, f.err
	default:
		// Wait never returns while outcome is still Pending; reachable
		// only if called directly without going through Wait/complete.
		return false, nil
	}
}

// Wait suspends the calling goroutine until the Future resolves. Unlike a
// condition-variable wait, this never touches a mutex: it is a pure
// channel receive, safe to call from any number of goroutines
// concurrently (the "single consumer" in the package doc refers to the
// resolution, not to how many goroutines may observe it).
func (f *Future) Wait(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitOrTimeout is the convenience wrapper spec.md §6 describes: it turns
// a Success(false) resolution (deadline elapsed, no grant) into
// ErrTimeout, for callers that prefer an infallible-looking boolean-free
// acquisition.
func (f *Future) WaitOrTimeout(ctx context.Context) error {
	ok, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}
