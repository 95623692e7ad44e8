package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// splitCounter is a small set of padded per-stripe counters used to reduce
// false sharing under heavy concurrent increment traffic; Sum() reconciles
// across stripes for the rare reader that needs an exact total.
type splitCounter struct {
	stripes [commitLatchStripes]struct {
		n uint64
		_ [56]byte // pad to a cache line
	}
}

const commitLatchStripes = 16

func (c *splitCounter) add(stripe int) {
	atomic.AddUint64(&c.stripes[stripe&(commitLatchStripes-1)].n, 1)
}

func (c *splitCounter) sum() uint64 {
	var total uint64
	for i := range c.stripes {
		total += atomic.LoadUint64(&c.stripes[i].n)
	}
	return total
}

// reentrancyEntry tracks how many nested shared holds the current goroutine
// has taken out on a CommitLatch. Go has no thread-local storage, so callers
// identify themselves with a caller-supplied token (typically a *Locker or
// goroutine-scoped context value); the same token must be used to acquire
// and release.
type reentrancyEntry struct {
	count int
}

// CommitLatch is a reader-majority gate: shared acquisition is nearly free
// on the fast path, while an exclusive acquirer (the checkpoint subsystem)
// waits out existing readers using exponentially increasing park intervals
// rather than blocking behind a plain reader/writer latch, which would
// starve under the sustained reader traffic this engine sees.
type CommitLatch struct {
	inner *Latch

	acquire splitCounter
	release splitCounter

	mu              sync.Mutex
	exclusiveHolder any // non-nil while held exclusively; opaque token
	reentrant       map[any]*reentrancyEntry
	wake            chan struct{} // closed by the last draining reader

	logger Logger
}

// NewCommitLatch returns an unheld CommitLatch.
func NewCommitLatch(logger Logger) *CommitLatch {
	if logger == nil {
		logger = discardLogger
	}
	return &CommitLatch{
		inner:     NewLatch(),
		reentrant: make(map[any]*reentrancyEntry),
		logger:    logger,
	}
}

var commitLatchStripeCounter uint32

func nextCommitLatchStripe() int {
	return int(atomic.AddUint32(&commitLatchStripeCounter, 1))
}

// AcquireShared takes a reentrant shared hold, identified by token (pass the
// calling Locker, or any stable per-goroutine value). Safe to call again
// with the same token while already held (reentrant).
func (c *CommitLatch) AcquireShared(ctx context.Context, token any) error {
	c.mu.Lock()
	entry, reentering := c.reentrant[token]
	holderFree := c.exclusiveHolder == nil
	if reentering && entry.count > 0 {
		entry.count++
		stripe := nextCommitLatchStripe()
		c.mu.Unlock()
		c.acquire.add(stripe)
		return nil
	}
	if holderFree {
		if entry == nil {
			entry = &reentrancyEntry{}
			c.reentrant[token] = entry
		}
		entry.count++
		stripe := nextCommitLatchStripe()
		c.mu.Unlock()
		c.acquire.add(stripe)
		return nil
	}
	c.mu.Unlock()

	if err := c.inner.AcquireShared(ctx, 0); err != nil {
		return err
	}
	stripe := nextCommitLatchStripe()
	c.acquire.add(stripe)
	c.inner.ReleaseShared()

	c.mu.Lock()
	entry, ok := c.reentrant[token]
	if !ok {
		entry = &reentrancyEntry{}
		c.reentrant[token] = entry
	}
	entry.count++
	c.mu.Unlock()
	return nil
}

// ReleaseShared releases one shared hold taken out with token.
func (c *CommitLatch) ReleaseShared(token any) {
	stripe := nextCommitLatchStripe()
	c.release.add(stripe)

	c.mu.Lock()
	entry := c.reentrant[token]
	if entry != nil {
		entry.count--
		if entry.count == 0 {
			delete(c.reentrant, token)
		}
	}
	exclusiveWaiting := c.exclusiveHolder != nil
	c.mu.Unlock()

	if exclusiveWaiting && c.acquire.sum() == c.release.sum() {
		c.mu.Lock()
		if c.wake != nil {
			close(c.wake)
			c.wake = nil
		}
		c.mu.Unlock()
	}
}

// AcquireExclusive blocks until no shared holders remain, then marks token
// as the exclusive holder. Callers must eventually call ReleaseExclusive.
func (c *CommitLatch) AcquireExclusive(ctx context.Context, token any) error {
	if err := c.inner.AcquireExclusive(ctx, 0); err != nil {
		return err
	}
	c.mu.Lock()
	c.exclusiveHolder = token
	c.wake = make(chan struct{})
	c.mu.Unlock()

	backoff := 1 * time.Microsecond
	const maxBackoff = 50 * time.Millisecond
	for c.hasSharedLockers() {
		c.mu.Lock()
		wake := c.wake
		c.mu.Unlock()
		timer := time.NewTimer(backoff)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.exclusiveHolder = nil
			c.mu.Unlock()
			c.inner.ReleaseExclusive()
			return ErrLockInterrupted
		}
		timer.Stop()
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return nil
}

// ReleaseExclusive releases the exclusive hold taken by AcquireExclusive.
func (c *CommitLatch) ReleaseExclusive(token any) {
	c.mu.Lock()
	if c.exclusiveHolder == token {
		c.exclusiveHolder = nil
	}
	c.mu.Unlock()
	c.inner.ReleaseExclusive()
}

// hasSharedLockers reports whether any shared holds are currently
// outstanding, i.e. acquire and release counts have not converged.
func (c *CommitLatch) hasSharedLockers() bool {
	return c.acquire.sum() != c.release.sum()
}
