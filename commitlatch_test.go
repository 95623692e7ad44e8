package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitLatchSharedIsReentrant(t *testing.T) {
	c := NewCommitLatch(nil)
	token := "txn-1"

	require.NoError(t, c.AcquireShared(context.Background(), token))
	require.NoError(t, c.AcquireShared(context.Background(), token))
	c.ReleaseShared(token)
	c.ReleaseShared(token)

	// Fully released: an exclusive acquirer should not block.
	done := make(chan struct{})
	go func() {
		require.NoError(t, c.AcquireExclusive(context.Background(), "writer"))
		close(done)
	}()
	select {
	case <-done:
		c.ReleaseExclusive("writer")
	case <-time.After(time.Second):
		t.Fatal("exclusive acquire should not block once readers drained")
	}
}

func TestCommitLatchExclusiveWaitsForReaders(t *testing.T) {
	c := NewCommitLatch(nil)
	require.NoError(t, c.AcquireShared(context.Background(), "reader-1"))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, c.AcquireExclusive(context.Background(), "writer"))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while a shared holder remained")
	case <-time.After(50 * time.Millisecond):
	}

	c.ReleaseShared("reader-1")

	select {
	case <-acquired:
		c.ReleaseExclusive("writer")
	case <-time.After(time.Second):
		t.Fatal("exclusive never acquired after the last reader released")
	}
}

func TestCommitLatchExclusiveRespectsCancellation(t *testing.T) {
	c := NewCommitLatch(nil)
	require.NoError(t, c.AcquireShared(context.Background(), "reader-1"))
	defer c.ReleaseShared("reader-1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.AcquireExclusive(ctx, "writer")
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLockInterrupted)
	case <-time.After(time.Second):
		t.Fatal("cancelled exclusive acquire never returned")
	}
}

// TestCommitLatchConcurrentReadersSumInvariant hammers AcquireShared/
// ReleaseShared from many goroutines concurrently with distinct tokens and
// checks the acquire/release split counters always converge once every
// reader has finished -- the invariant an exclusive acquirer's drain loop
// depends on.
func TestCommitLatchConcurrentReadersSumInvariant(t *testing.T) {
	c := NewCommitLatch(nil)
	const goroutines = 8
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			token := g
			for i := 0; i < iterations; i++ {
				require.NoError(t, c.AcquireShared(context.Background(), token))
				c.ReleaseShared(token)
			}
		}()
	}
	wg.Wait()

	assert.True(t, c.acquire.sum() == c.release.sum())
	assert.False(t, c.hasSharedLockers())
}
