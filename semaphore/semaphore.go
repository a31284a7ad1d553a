// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package semaphore provides a weighted semaphore implementation.
package semaphore

import (
	"context"
	"sync"

	"github.com/newcomingsoon/asynclock/future"
	"github.com/newcomingsoon/asynclock/waitqueue"
)

// NewWeighted creates a new weighted semaphore with the given
// maximum combined weight for concurrent access.
func NewWeighted(n int64) *Weighted {
	return &Weighted{size: n}
}

// Weighted provides a way to bound concurrent access to a resource.
// The callers can request access with a given weight.
//
// Built on the same FIFO waitqueue.Queue and future.Future machinery as
// rwlock.Lock, with each waiter's requested token count carried on
// waitqueue.Node.Weight.
type Weighted struct {
	size int64 // total tokens
	cur  int64 // tokens currently held

	mu    sync.Mutex
	queue waitqueue.Queue
}

// Acquire acquires the semaphore with a weight of n, blocking until resources
// are available or ctx is done. On success, returns nil. On failure, returns
// ctx.Err() and leaves the semaphore unchanged.
//
// If ctx is already done, Acquire may still succeed without blocking.
func (s *Weighted) Acquire(ctx context.Context, n int64) error {
	s.mu.Lock()
	if s.queue.Empty() && s.size-s.cur >= n {
		s.cur += n
		s.mu.Unlock()
		return nil
	}

	if n > s.size {
		// Don't make other Acquire calls block on one that's doomed to fail.
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}

	node := s.queue.Append(waitqueue.ReadShared, future.New())
	node.Weight = n
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		s.mu.Lock()
		select {
		case <-node.Signal.Done():
			// Acquired the semaphore after we were canceled. Rather than
			// trying to fix up the queue, just pretend we didn't notice
			// the cancelation.
			err = nil
		default:
			isFront := s.queue.PeekHead() == node
			s.queue.Unlink(node)
			// If we're at the front and there's extra capacity left, let
			// the rest of the queue try.
			if isFront && s.size > s.cur {
				s.notifyWaiters()
			}
		}
		s.mu.Unlock()
		return err
	case <-node.Signal.Done():
		return nil
	}
}

// TryAcquire acquires the semaphore with a weight of n without blocking.
// On success, returns true. On failure, returns false and leaves the semaphore unchanged.
func (s *Weighted) TryAcquire(n int64) bool {
	s.mu.Lock()
	success := s.queue.Empty() && s.size-s.cur >= n
	if success {
		s.cur += n
	}
	s.mu.Unlock()
	return success
}

// Release releases the semaphore with a weight of n.
func (s *Weighted) Release(n int64) {
	s.mu.Lock()
	s.cur -= n
	if s.cur < 0 {
		s.mu.Unlock()
		panic("semaphore: released more than held")
	}
	s.notifyWaiters()
	s.mu.Unlock()
}

// notifyWaiters grants every waiter at the head of the queue whose
// request now fits, stopping at the first one that doesn't. Callers
// must hold s.mu.
func (s *Weighted) notifyWaiters() {
	for {
		next := s.queue.PeekHead()
		if next == nil {
			break // No more waiters blocked.
		}

		if s.size-s.cur < next.Weight {
			// Not enough tokens for the next waiter. We could keep going
			// (to try to find a waiter with a smaller request), but under
			// load that could cause starvation for large requests;
			// instead, leave all remaining waiters blocked.
			//
			// Consider a semaphore used as a read-write lock, with N
			// tokens, N readers, and one writer. Each reader can
			// Acquire(1) to obtain a read lock. The writer can
			// Acquire(N) to obtain a write lock, excluding all of the
			// readers. If readers were allowed to jump the queue, the
			// writer would starve — there is always one token available
			// for every reader.
			break
		}

		s.cur += next.Weight
		s.queue.Unlink(next)
		next.Signal.CompleteSuccess(true)
	}
}
