// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errgroup provides synchronization, error propagation, and Context
// cancelation for groups of goroutines working on subtasks of a common task.
//
// The concurrency limit (SetLimit/TryGo) is built on this module's own
// semaphore.Weighted rather than a bare channel of empty structs: Group
// already exists in this toolkit to drive the fan-out in rwlock's own
// stress and scenario tests (see rwlock/stress_test.go), and
// registry.Registry.CloseAll fans out Lock.Close calls across a
// Group with a bounded limit — so the limiter is itself a second,
// production (non-test) consumer of semaphore.Weighted, the sibling
// primitive spec.md §2 names alongside rwlock.Lock.
package errgroup

import (
	"context"
	"sync"

	"github.com/newcomingsoon/asynclock/semaphore"
)

// A Group is a collection of goroutines working on subtasks that are part of
// the same overall task.
//
// A zero Group is valid, does not cancel on error, and has no limit on the
// number of active goroutines.
type Group struct {
	cancel func()
	// wg waits for every goroutine spawned by Go or TryGo to return.
	wg sync.WaitGroup
	// sem bounds the number of concurrently running goroutines once
	// SetLimit has been called with a non-negative n. nil means unbounded.
	sem *semaphore.Weighted
	// errOnce ensures only the first error is recorded.
	errOnce sync.Once
	// err holds that first error.
	err error
}

// WithContext returns a new Group and an associated Context derived from ctx.
//
// The derived Context is canceled the first time a function passed to Go
// returns a non-nil error or the first time Wait returns, whichever occurs
// first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{cancel: cancel}, ctx
}

// SetLimit limits the number of active goroutines in this group to n.
// A negative n removes any existing limit. Any subsequent call to Go will
// block until it can acquire a slot, and TryGo will report false rather
// than block. SetLimit should not be called concurrently with Go or TryGo.
func (g *Group) SetLimit(n int) {
	if n < 0 {
		g.sem = nil
		return
	}
	g.sem = semaphore.NewWeighted(int64(n))
}

// Wait blocks until all function calls from the Go method have returned, then
// returns the first non-nil error (if any) from them.
func (g *Group) Wait() error {
	g.wg.Wait()
	if g.cancel != nil {
		g.cancel()
	}
	return g.err
}

// Go calls the given function in a new goroutine. It blocks until the new
// goroutine can be added without the number of active goroutines in the
// group exceeding the configured limit.
//
// The first call to return a non-nil error cancels the group; its error will be
// returned by Wait.
func (g *Group) Go(f func() error) {
	if g.sem != nil {
		// The limiter only ever bounds Group's own goroutine count, so a
		// context that is never cancelled is the right "infinite patience"
		// sentinel here — the same role context.Background plays for
		// rwlock.Lock's own acquire methods.
		_ = g.sem.Acquire(context.Background(), 1)
	}

	g.wg.Add(1)
	go func() {
		defer g.done()
		// Other goroutines keep running even if this one errors.
		if err := f(); err != nil {
			g.errOnce.Do(func() {
				g.err = err
				if g.cancel != nil {
					g.cancel()
				}
			})
		}
	}()
}

// TryGo calls the given function in a new goroutine only if the number of
// active goroutines in the group is currently below the configured limit.
//
// The return value reports whether the goroutine was started.
func (g *Group) TryGo(f func() error) bool {
	if g.sem != nil && !g.sem.TryAcquire(1) {
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.done()
		if err := f(); err != nil {
			g.errOnce.Do(func() {
				g.err = err
				if g.cancel != nil {
					g.cancel()
				}
			})
		}
	}()
	return true
}

func (g *Group) done() {
	if g.sem != nil {
		g.sem.Release(1)
	}
	g.wg.Done()
}
