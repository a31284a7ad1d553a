package rwlock

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newcomingsoon/asynclock/errgroup"
)

var errAssertViolated = errors.New("rwlock: concurrent invariant violated")

// TestConcurrentInvariantsHoldUnderLoad hammers a single Lock from many
// goroutines cycling through all three acquisition modes and checks two
// quantified invariants from spec.md §8 while grants are held: at most one
// writer held at any instant, and writerHeld ⇒ readers ∈ {0, 1}. Whether
// readers == 1 comes with upgraded set is not checked. A violation would
// show up as a failed assertion from one of the concurrent observers while
// a grant is held.
func TestConcurrentInvariantsHoldUnderLoad(t *testing.T) {
	l := New()

	const workers = 32
	const rounds = 200

	var writersHeld int32

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := int64(w) + 1
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				switch rnd.Intn(3) {
				case 0:
					f, err := l.AcquireRead(ctx)
					if err != nil {
						cancel()
						return err
					}
					ok, waitErr := f.Wait(context.Background())
					cancel()
					if waitErr != nil || !ok {
						continue
					}
					if l.IsWriteHeld() {
						return errAssertViolated
					}
					if err := l.ReleaseRead(); err != nil {
						return err
					}
				case 1:
					f, err := l.AcquireUpgradeableRead(ctx)
					if err != nil {
						cancel()
						return err
					}
					ok, waitErr := f.Wait(context.Background())
					cancel()
					if waitErr != nil || !ok {
						continue
					}
					if err := l.ReleaseUpgradeableRead(); err != nil {
						return err
					}
				case 2:
					f, err := l.AcquireWrite(ctx)
					if err != nil {
						cancel()
						return err
					}
					ok, waitErr := f.Wait(context.Background())
					cancel()
					if waitErr != nil || !ok {
						continue
					}
					n := atomic.AddInt32(&writersHeld, 1)
					if n != 1 {
						atomic.AddInt32(&writersHeld, -1)
						return errAssertViolated
					}
					rc := l.ReadCount()
					if !(rc == 0 || rc == 1) {
						atomic.AddInt32(&writersHeld, -1)
						return errAssertViolated
					}
					atomic.AddInt32(&writersHeld, -1)
					if err := l.ReleaseWrite(); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, 0, l.ReadCount())
	assert.False(t, l.IsWriteHeld())
	assert.False(t, l.IsUpgradeableReadHeld())
}
