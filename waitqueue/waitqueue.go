// Package waitqueue implements the strictly-FIFO doubly linked wait queue
// shared by this module's queued synchronizers (rwlock, semaphore, mre).
//
// The teacher's semaphore.Weighted already used container/list.List for
// exactly this purpose (a single untyped waiter struct); this package
// generalizes that to the tagged wait-node variant spec.md §9 calls for
// ("a systems-language rewrite should express this as a tagged variant...
// on the same base node, dispatching on the tag in the drain loop"),
// keeping container/list as the underlying storage so Append/Unlink/
// PeekHead stay O(1).
package waitqueue

import (
	"container/list"

	"github.com/newcomingsoon/asynclock/future"
)

// Kind tags the variant of acquisition a Node represents.
type Kind int

const (
	ReadShared Kind = iota
	ReadUpgradeable
	Write
)

func (k Kind) String() string {
	switch k {
	case ReadShared:
		return "read-shared"
	case ReadUpgradeable:
		return "read-upgradeable"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Node is one pending acquisition. It is owned by a Queue from the moment
// Append returns until it is unlinked, either by a grant or by a
// cancellation/timeout race.
type Node struct {
	Kind   Kind
	Signal *future.Future

	// Weight is unused by rwlock and mre (both grant/deny purely by Kind)
	// and exists for semaphore.Weighted, whose waiters each request a
	// distinct token count. Callers that don't need it simply never set
	// it, leaving it zero.
	Weight int64

	elem *list.Element
}

// Queue is a strictly FIFO doubly linked list of Nodes. It is not
// goroutine-safe on its own: callers (rwlock.Lock, semaphore.Weighted,
// mre.Event) serialize access to a Queue under their own monitor, exactly
// as spec.md §4.2 requires.
type Queue struct {
	list list.List
}

// Append links a new Node of the given kind and signal at the tail.
func (q *Queue) Append(kind Kind, signal *future.Future) *Node {
	n := &Node{Kind: kind, Signal: signal}
	n.elem = q.list.PushBack(n)
	return n
}

// Unlink excises n from wherever it sits in the queue. Safe to call on a
// Node that has already been unlinked (no-op).
func (q *Queue) Unlink(n *Node) {
	if n.elem == nil {
		return
	}
	q.list.Remove(n.elem)
	n.elem = nil
}

// Linked reports whether n is still in the queue.
func (q *Queue) Linked(n *Node) bool {
	return n.elem != nil
}

// PeekHead inspects (without removing) the node at the front of the
// queue, or nil if the queue is empty.
func (q *Queue) PeekHead() *Node {
	e := q.list.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Node)
}

// PeekAfter inspects the node immediately following n, without removing
// either. Used by rwlock's reader drain to step past a node it
// deliberately left linked (the "skip" case for an upgradeable waiter
// queued behind an already-upgraded reader). n must currently be linked.
func (q *Queue) PeekAfter(n *Node) *Node {
	if n.elem == nil {
		return nil
	}
	e := n.elem.Next()
	if e == nil {
		return nil
	}
	return e.Value.(*Node)
}

// PopHead unlinks and returns the node at the front of the queue, or nil
// if the queue is empty.
func (q *Queue) PopHead() *Node {
	n := q.PeekHead()
	if n != nil {
		q.Unlink(n)
	}
	return n
}

// Len reports the number of currently linked waiters.
func (q *Queue) Len() int {
	return q.list.Len()
}

// Empty reports whether the queue has no waiters.
func (q *Queue) Empty() bool {
	return q.list.Len() == 0
}
