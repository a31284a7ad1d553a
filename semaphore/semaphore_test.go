package semaphore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUncontendedSucceedsImmediately(t *testing.T) {
	s := NewWeighted(3)
	require.NoError(t, s.Acquire(context.Background(), 2))
	require.NoError(t, s.Acquire(context.Background(), 1))
}

func TestTryAcquireFailsWhenInsufficientTokens(t *testing.T) {
	s := NewWeighted(2)
	require.NoError(t, s.Acquire(context.Background(), 2))
	assert.False(t, s.TryAcquire(1))
	s.Release(2)
	assert.True(t, s.TryAcquire(1))
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	s := NewWeighted(1)
	require.NoError(t, s.Acquire(context.Background(), 1))

	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(context.Background(), 1)
	}()

	select {
	case <-done:
		t.Fatal("Acquire should still be blocked")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release(1)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked after Release")
	}
}

func TestAcquireTimesOutAndLeavesSemaphoreUnchanged(t *testing.T) {
	s := NewWeighted(1)
	require.NoError(t, s.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release(1)
	assert.True(t, s.TryAcquire(1))
}

func TestOversizedRequestWaitsOnContextWithoutBlockingOthers(t *testing.T) {
	s := NewWeighted(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx, 2) // 2 > size, can never succeed
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A normal-sized request must not have been starved by the doomed one.
	assert.True(t, s.TryAcquire(1))
}

func TestReleaseMoreThanHeldPanics(t *testing.T) {
	s := NewWeighted(1)
	assert.Panics(t, func() {
		s.Release(1)
	})
}

func TestWriterStarvationPrevention(t *testing.T) {
	// A semaphore used as a 1-writer/N-reader lock: readers Acquire(1),
	// a writer Acquires(N). Once the writer is queued, no later reader
	// may jump ahead of it even though tokens remain.
	const n = int64(4)
	s := NewWeighted(n)

	require.NoError(t, s.Acquire(context.Background(), 1)) // one reader holds a token

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- s.Acquire(context.Background(), n)
	}()

	time.Sleep(20 * time.Millisecond) // let the writer enqueue

	readerCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Acquire(readerCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a later reader must not jump the queued writer")

	s.Release(1)
	select {
	case err := <-writerDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer never acquired after the sole reader released")
	}
	s.Release(n)
}
