package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newcomingsoon/asynclock/rwlock"
)

func TestLockLazilyConstructsPerKey(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Len())

	a := r.Lock("shard-a")
	require.NotNil(t, a)
	assert.Equal(t, 1, r.Len())

	b := r.Lock("shard-b")
	assert.Equal(t, 2, r.Len())
	assert.NotSame(t, a, b)
}

func TestLockReturnsSameInstanceForSameKey(t *testing.T) {
	r := New()
	first := r.Lock("tenant-1")
	second := r.Lock("tenant-1")
	assert.Same(t, first, second)
}

func TestConcurrentFirstTouchesCollapseToOneConstruction(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	results := make([]*rwlock.Lock, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Lock("contended-key")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, r.Len())
}

func TestLockFromRegistryBehavesAsANormalRWLock(t *testing.T) {
	r := New()
	l := r.Lock("resource")

	f, err := l.AcquireWrite(context.Background())
	require.NoError(t, err)
	ok, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.ReleaseWrite())
}

func TestDeleteClosesLockAndAllowsFreshConstruction(t *testing.T) {
	r := New()
	l := r.Lock("gone-soon")

	f, err := l.AcquireRead(context.Background())
	require.NoError(t, err)
	ok, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	r.Delete("gone-soon")
	assert.Equal(t, 0, r.Len())

	_, err = l.AcquireRead(context.Background())
	assert.ErrorIs(t, err, rwlock.ErrDisposed)

	fresh := r.Lock("gone-soon")
	assert.NotSame(t, l, fresh)
	assert.True(t, fresh.TryAcquireRead())
}

func TestCloseAllDisposesEveryLockAndEmptiesTheRegistry(t *testing.T) {
	r := New()
	const n = 10
	locks := make([]*rwlock.Lock, n)
	for i := 0; i < n; i++ {
		locks[i] = r.Lock(string(rune('a' + i)))
	}
	assert.Equal(t, n, r.Len())

	require.NoError(t, r.CloseAll(3))
	assert.Equal(t, 0, r.Len())

	for i, l := range locks {
		_, err := l.AcquireRead(context.Background())
		assert.ErrorIsf(t, err, rwlock.ErrDisposed, "lock %d was not disposed by CloseAll", i)
	}

	fresh := r.Lock("a")
	assert.NotSame(t, locks[0], fresh)
}
