// Package rwlock implements an asynchronous reader/writer lock with an
// upgradeable read mode.
//
// Acquisition never parks an OS thread: AcquireRead, AcquireWrite, and
// AcquireUpgradeableRead all return immediately with a *future.Future —
// a deferred completion that becomes ready when the lock is granted, when
// ctx's deadline elapses, or when ctx is otherwise cancelled. Release is
// synchronous and non-blocking, and dispatches any waiters whose turn has
// come.
//
// The state machine, fairness rule, and release protocol below follow
// spec.md §3–§5 exactly; see SPEC_FULL.md for how this module's ambient
// and domain stacks were chosen, and DESIGN.md for the grounding of each
// package in the teacher repo and the wider example pack.
package rwlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/newcomingsoon/asynclock/future"
	"github.com/newcomingsoon/asynclock/waitqueue"
)

var (
	// ErrDisposed is returned by any operation on a disposed Lock.
	ErrDisposed = errors.New("rwlock: lock is disposed")

	// ErrNotHeld is returned by a release method whose precondition does
	// not hold — the caller did not hold the mode it is trying to release.
	ErrNotHeld = errors.New("rwlock: release called without a matching grant")

	// ErrInvalidArgument is returned when ctx is nil.
	ErrInvalidArgument = errors.New("rwlock: invalid argument")

	// ErrTimeout and ErrCancelled re-export the future package's
	// sentinels, so callers need not import future directly to compare
	// errors returned by future.WaitOrTimeout / future.Wait. A request
	// cancelled through its acquire ctx fails with an error that matches
	// both ErrCancelled and the ctx's own error under errors.Is.
	ErrTimeout   = future.ErrTimeout
	ErrCancelled = future.ErrCancelled
)

// Lock is an asynchronous reader/writer lock. The zero value is not
// usable; construct with New or NewWithLogger.
type Lock struct {
	mu sync.Mutex

	readers    int
	writerHeld bool
	upgraded   bool
	disposed   bool

	queue waitqueue.Queue
	// queuedWriters counts Write nodes currently linked in queue. A
	// reader's fast-path grant must be gated on this, not merely on
	// queue.Empty(): spec.md §8 scenario 3 grants a plain read directly
	// while an incompatible-but-non-writer request (an upgradeable read)
	// sits queued ahead of it, which a blanket "queue must be empty"
	// reading of §4.3's algorithm prose would forbid. The invariant that
	// actually matters for fairness (§3, §9) is narrower: no arriving
	// request may overtake a queued *write* — any other arrangement of
	// queued readers is harmless to grant around. See DESIGN.md.
	queuedWriters int

	log zerolog.Logger
}

// New returns an idle Lock with logging disabled.
func New() *Lock {
	return NewWithLogger(zerolog.Nop())
}

// NewWithLogger returns an idle Lock that emits Debug-level structured
// log events at the fairness-relevant transitions described in
// SPEC_FULL.md §8 (queue-skip, writer-to-writer handoff, disposal).
func NewWithLogger(logger zerolog.Logger) *Lock {
	return &Lock{log: logger}
}

// AcquireRead requests shared read access. Grantable iff no writer is
// held and no writer is queued ahead of it (fairness is owed only to
// queued writers; other queued readers are harmless to overtake).
func (l *Lock) AcquireRead(ctx context.Context) (*future.Future, error) {
	return l.acquire(ctx, waitqueue.ReadShared)
}

// AcquireUpgradeableRead requests the single upgradeable read slot.
// Grantable iff no writer is held, no upgradeable reader currently
// exists, and no writer is queued ahead of it.
func (l *Lock) AcquireUpgradeableRead(ctx context.Context) (*future.Future, error) {
	return l.acquire(ctx, waitqueue.ReadUpgradeable)
}

// AcquireWrite requests exclusive write access. Grantable iff the queue
// is empty, no writer is held, and either there are no readers, or the
// sole reader is the caller's own upgradeable grant being promoted in
// place.
func (l *Lock) AcquireWrite(ctx context.Context) (*future.Future, error) {
	return l.acquire(ctx, waitqueue.Write)
}

// TryAcquireRead, TryAcquireUpgradeableRead, and TryAcquireWrite attempt
// an immediate, non-blocking grant and report whether it succeeded. They
// never enter the wait queue.
func (l *Lock) TryAcquireRead() bool { return l.tryAcquire(waitqueue.ReadShared) }

func (l *Lock) TryAcquireUpgradeableRead() bool { return l.tryAcquire(waitqueue.ReadUpgradeable) }

func (l *Lock) TryAcquireWrite() bool { return l.tryAcquire(waitqueue.Write) }

func (l *Lock) tryAcquire(kind waitqueue.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return false
	}
	if l.fastPathEligible(kind) {
		l.applyGrant(kind)
		return true
	}
	return false
}

// acquire implements spec.md §4.3's algorithm: fail fast if disposed,
// grant immediately on the fast path (see fastPathEligible), otherwise
// enqueue a new waiter and arm ctx-driven cancellation.
func (l *Lock) acquire(ctx context.Context, kind waitqueue.Kind) (*future.Future, error) {
	if ctx == nil {
		return nil, ErrInvalidArgument
	}

	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return nil, ErrDisposed
	}

	if l.fastPathEligible(kind) {
		l.applyGrant(kind)
		l.mu.Unlock()
		return future.Resolved(true), nil
	}

	// A ctx that is already done never joins the queue: an elapsed
	// deadline resolves to false at once, any other cancellation to a
	// cancellation fault.
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		f := future.New()
		if errors.Is(err, context.DeadlineExceeded) {
			f.CompleteSuccess(false)
		} else {
			f.CompleteCancel(fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		return f, nil
	}

	node := l.queue.Append(kind, future.New())
	if kind == waitqueue.Write {
		l.queuedWriters++
	}
	l.mu.Unlock()

	// Arm cancellation only when ctx can actually fire; context.Background
	// (the "infinite" deadline sentinel) has a nil Done() channel, so
	// there is nothing to watch and no goroutine is worth spawning.
	if done := ctx.Done(); done != nil {
		go l.watchCancellation(node, ctx)
	}

	return node.Signal, nil
}

// watchCancellation races ctx against a grant. Whichever commits state
// first wins; the other observes the node already unlinked and does
// nothing (spec.md §5, "Cancellation & timeouts").
func (l *Lock) watchCancellation(node *waitqueue.Node, ctx context.Context) {
	select {
	case <-node.Signal.Done():
		return
	case <-ctx.Done():
	}

	l.mu.Lock()
	if !l.queue.Linked(node) {
		// A grant (or disposal) already unlinked this node and completed
		// its signal; the cancellation lost the race.
		l.mu.Unlock()
		return
	}
	l.queue.Unlink(node)
	if node.Kind == waitqueue.Write {
		l.queuedWriters--
	}
	l.mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		node.Signal.CompleteSuccess(false)
	} else {
		node.Signal.CompleteCancel(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}
}

// fastPathEligible reports whether kind may be granted immediately
// without joining the queue. A writer may only bypass the queue when the
// queue is wholly empty; a reader (plain or upgradeable) may bypass it as
// long as no writer is queued ahead of it — queued readers and
// upgradeable waiters are harmless to overtake, since fairness (spec.md
// §3, §9) only promises that no arrival overtakes a queued *writer*. See
// the queuedWriters field comment and DESIGN.md's Open Question
// decisions for why queue.Empty() alone is the wrong predicate here.
// Callers must hold l.mu.
func (l *Lock) fastPathEligible(kind waitqueue.Kind) bool {
	if kind == waitqueue.Write {
		return l.queue.Empty() && l.grantable(kind)
	}
	return l.queuedWriters == 0 && l.grantable(kind)
}

// grantable evaluates the spec.md §4.3 predicate table against the
// current state. Callers must hold l.mu.
func (l *Lock) grantable(kind waitqueue.Kind) bool {
	switch kind {
	case waitqueue.ReadShared:
		return !l.writerHeld
	case waitqueue.ReadUpgradeable:
		return !l.writerHeld && !l.upgraded
	case waitqueue.Write:
		return !l.writerHeld && (l.readers == 0 || (l.readers == 1 && l.upgraded))
	default:
		return false
	}
}

// applyGrant performs the spec.md §4.3 state mutation for a grant.
// Callers must hold l.mu.
func (l *Lock) applyGrant(kind waitqueue.Kind) {
	switch kind {
	case waitqueue.ReadShared:
		l.readers++
	case waitqueue.ReadUpgradeable:
		l.readers++
		l.upgraded = true
	case waitqueue.Write:
		l.writerHeld = true
	}
}

// ReleaseRead releases a plain shared-read grant. It specifically
// excludes the upgradeable reader's slot (spec.md §9's preserved
// asymmetry): an upgradeable reader must call ReleaseUpgradeableRead.
func (l *Lock) ReleaseRead() error {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}
	if l.writerHeld || l.readers < 1 || (l.readers == 1 && l.upgraded) {
		l.mu.Unlock()
		return ErrNotHeld
	}

	l.readers--

	var toGrant *waitqueue.Node
	if l.readers == 0 {
		if head := l.queue.PeekHead(); head != nil && head.Kind == waitqueue.Write {
			l.queue.Unlink(head)
			l.queuedWriters--
			l.writerHeld = true
			toGrant = head
		}
	}
	// No reader drain here: any queued reader must sit behind a queued
	// writer (fairness), and that writer's predicate cannot hold while
	// l.readers > 0 — so there is nothing further to wake. See spec.md
	// §4.4 step 5 and §9's open-question note; scenario 2 in
	// scenarios_test.go is the regression test for this.
	l.mu.Unlock()

	if toGrant != nil {
		l.log.Debug().Str("event", "writer-handoff-from-read").Msg("release_read granted queued writer")
		toGrant.Signal.CompleteSuccess(true)
	}
	return nil
}

// ReleaseWrite releases an exclusive write grant. If the waiting head is
// another writer, it hands off directly (writer-to-writer, preserving
// FIFO across the read/write boundary) without clearing writerHeld.
// Otherwise it drains the reader prefix of the queue.
func (l *Lock) ReleaseWrite() error {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}
	if !l.writerHeld {
		l.mu.Unlock()
		return ErrNotHeld
	}

	if head := l.queue.PeekHead(); head != nil && head.Kind == waitqueue.Write {
		l.queue.Unlink(head)
		l.queuedWriters--
		l.mu.Unlock()
		l.log.Debug().Str("event", "writer-to-writer-handoff").Msg("release_write granted queued writer directly")
		head.Signal.CompleteSuccess(true)
		return nil
	}

	l.writerHeld = false
	granted := l.drainReaders()
	l.mu.Unlock()

	completeAll(granted)
	return nil
}

// ReleaseUpgradeableRead releases the upgradeable read slot. Requires
// that no writer is held, upgraded is set, and at least one reader (the
// caller's own slot) remains.
func (l *Lock) ReleaseUpgradeableRead() error {
	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}
	if l.writerHeld || !l.upgraded || l.readers < 1 {
		l.mu.Unlock()
		return ErrNotHeld
	}

	l.upgraded = false
	l.readers--

	if l.readers == 0 {
		if head := l.queue.PeekHead(); head != nil && head.Kind == waitqueue.Write {
			l.queue.Unlink(head)
			l.queuedWriters--
			l.writerHeld = true
			l.mu.Unlock()
			l.log.Debug().Str("event", "writer-handoff-from-upgradeable").Msg("release_upgradeable_read granted queued writer")
			head.Signal.CompleteSuccess(true)
			return nil
		}
	}

	granted := l.drainReaders()
	l.mu.Unlock()

	completeAll(granted)
	return nil
}

// drainReaders walks the queue from the head, granting every reader it
// encounters (skipping, not unlinking, an upgradeable waiter once one
// upgradeable reader already exists), and stops at the first writer.
// Callers must hold l.mu and must have already confirmed writerHeld is
// false. Returns the list of nodes to complete — collected here, under
// the monitor, but completed by the caller only after releasing it (see
// spec.md §5's staged-completion requirement).
func (l *Lock) drainReaders() []*waitqueue.Node {
	var granted []*waitqueue.Node

	node := l.queue.PeekHead()
	for node != nil {
		switch node.Kind {
		case waitqueue.ReadShared:
			l.queue.Unlink(node)
			l.readers++
			granted = append(granted, node)
		case waitqueue.ReadUpgradeable:
			if l.upgraded {
				// Leave it in place: it remains the next upgradeable
				// candidate once the current one exits.
				l.log.Debug().Str("event", "upgradeable-skip").Msg("drain left queued upgradeable waiter in place")
				node = l.queue.PeekAfter(node)
				continue
			}
			l.queue.Unlink(node)
			l.upgraded = true
			l.readers++
			granted = append(granted, node)
		case waitqueue.Write:
			return granted
		}
		node = l.queue.PeekHead()
	}
	return granted
}

func completeAll(nodes []*waitqueue.Node) {
	for _, n := range nodes {
		n.Signal.CompleteSuccess(true)
	}
}

// ReadCount returns the current number of granted read slots (including
// an upgradeable reader, which counts as one). Advisory: may be stale the
// instant after it's observed.
func (l *Lock) ReadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers
}

// IsReadHeld reports whether any read grant (plain or upgradeable) is
// currently outstanding.
func (l *Lock) IsReadHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers > 0
}

// IsWriteHeld reports whether a write grant is currently outstanding.
func (l *Lock) IsWriteHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writerHeld
}

// IsUpgradeableReadHeld reports whether the upgradeable slot is held and
// not currently promoted to a write grant.
func (l *Lock) IsUpgradeableReadHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upgraded && !l.writerHeld
}

// Close disposes the Lock: every pending waiter is failed with
// ErrDisposed, and every subsequent operation also fails with
// ErrDisposed. Idempotent.
func (l *Lock) Close() error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil
	}
	l.disposed = true

	var failed []*waitqueue.Node
	for {
		n := l.queue.PopHead()
		if n == nil {
			break
		}
		failed = append(failed, n)
	}
	l.queuedWriters = 0
	l.mu.Unlock()

	if len(failed) > 0 {
		l.log.Debug().Int("waiters", len(failed)).Str("event", "disposed").Msg("lock disposed, failing pending waiters")
	}
	for _, n := range failed {
		n.Signal.CompleteFault(ErrDisposed)
	}
	return nil
}
