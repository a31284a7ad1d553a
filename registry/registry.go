// Package registry provides a keyed lock registry: a lazily populated
// map of resource key to *rwlock.Lock, used to guard independent
// resources (shards, tenants, files) each with their own reader/writer
// discipline without hand-managing a map of locks yourself.
//
// Concurrent first-touches of the same key must not race each other
// into constructing two different locks for that key — only one
// construction may win, and every concurrent caller must observe the
// same *rwlock.Lock afterward. That is exactly the guarantee
// singleflight.Group[K, V] gives call results; this package instantiates
// it directly over Group[string, *rwlock.Lock], so Lock gets back its
// concrete *rwlock.Lock with no interface{} boxing or type assertion at
// the call site.
package registry

import (
	"sync"

	"github.com/newcomingsoon/asynclock/errgroup"
	"github.com/newcomingsoon/asynclock/rwlock"
	"github.com/newcomingsoon/asynclock/singleflight"
)

// Registry lazily constructs and caches one *rwlock.Lock per key.
// The zero value is ready to use.
type Registry struct {
	group singleflight.Group[string, *rwlock.Lock]

	mu    sync.RWMutex
	locks map[string]*rwlock.Lock
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Lock returns the *rwlock.Lock for key, constructing and caching it on
// first use. Concurrent calls for a key not yet in the registry
// collapse into a single construction via singleflight; every caller,
// first or duplicate, receives the same *rwlock.Lock.
func (r *Registry) Lock(key string) *rwlock.Lock {
	r.mu.RLock()
	l, ok := r.locks[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	v, _, _ := r.group.Do(key, func() (*rwlock.Lock, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.locks[key]; ok {
			return existing, nil
		}
		if r.locks == nil {
			r.locks = make(map[string]*rwlock.Lock)
		}
		newLock := rwlock.New()
		r.locks[key] = newLock
		return newLock, nil
	})
	return v
}

// Delete removes key from the registry, closing its lock first so any
// waiters queued on it are failed with rwlock.ErrDisposed rather than
// left stranded. A subsequent Lock call for the same key constructs a
// fresh, independent lock.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if ok {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	if ok {
		_ = l.Close()
	}
}

// Len reports the number of keys currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// CloseAll disposes every lock currently registered and empties the
// registry, so that a subsequent Lock call for any key constructs a fresh
// lock rather than handing back a disposed one. Closes are fanned out
// across an errgroup.Group bounded by concurrency, since a registry
// guarding many shards/tenants may hold far more locks than the caller
// wants closing goroutines running at once; concurrency <= 0 means
// unbounded. Close never fails (rwlock.Lock.Close always returns nil), so
// the returned error is always nil today — it is threaded through so a
// future Lock variant with a failing Close does not need a signature
// change here.
func (r *Registry) CloseAll(concurrency int) error {
	r.mu.Lock()
	locks := make([]*rwlock.Lock, 0, len(r.locks))
	for _, l := range r.locks {
		locks = append(locks, l)
	}
	r.locks = nil
	r.mu.Unlock()

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, l := range locks {
		l := l
		g.Go(func() error {
			return l.Close()
		})
	}
	return g.Wait()
}
