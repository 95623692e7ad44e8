package keylock

import (
	"context"
	"time"
)

// defaultLoadFactor is the ratio of entries to buckets beyond which a
// shard's hash table is grown.
const defaultLoadFactor = 0.75

// LockShard is one bucket of the LockManager's fixed shard array: an
// open-chained hash table of Lock records for the keys that hash to this
// shard, guarded by its own Latch so unrelated shards never contend with
// each other.
type LockShard struct {
	latch *Latch

	buckets []*Lock
	count   int

	upgradeRule UpgradeRule
	loadFactor  float64
	logger      Logger
}

func newLockShard(initialBuckets int, rule UpgradeRule, logger Logger) *LockShard {
	if initialBuckets < 1 {
		initialBuckets = 1
	}
	return &LockShard{
		latch:       NewLatch(),
		buckets:     make([]*Lock, initialBuckets),
		upgradeRule: rule,
		loadFactor:  defaultLoadFactor,
		logger:      logger,
	}
}

func (s *LockShard) bucketIndex(hash uint32) int {
	return int(hash) & (len(s.buckets) - 1)
}

// findLocked locates the Lock for (indexId, key) within the currently held
// latch, or nil if absent.
func (s *LockShard) findLocked(indexId uint64, key []byte, hash uint32) *Lock {
	for l := s.buckets[s.bucketIndex(hash)]; l != nil; l = l.next {
		if l.hashCode == hash && l.indexId == indexId && bytesEqual(l.key, key) {
			return l
		}
	}
	return nil
}

func (s *LockShard) insertLocked(l *Lock) {
	idx := s.bucketIndex(l.hashCode)
	l.next = s.buckets[idx]
	s.buckets[idx] = l
	s.count++
	if float64(s.count) > s.loadFactor*float64(len(s.buckets)) {
		s.resizeLocked()
	}
}

func (s *LockShard) removeLocked(l *Lock) {
	idx := s.bucketIndex(l.hashCode)
	cur := s.buckets[idx]
	var prev *Lock
	for cur != nil {
		if cur == l {
			if prev == nil {
				s.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			s.count--
			return
		}
		prev = cur
		cur = cur.next
	}
}

func (s *LockShard) resizeLocked() {
	newSize := len(s.buckets) * 2
	newBuckets := make([]*Lock, newSize)
	for _, head := range s.buckets {
		for l := head; l != nil; {
			next := l.next
			idx := int(l.hashCode) & (newSize - 1)
			l.next = newBuckets[idx]
			newBuckets[idx] = l
			l = next
		}
	}
	s.buckets = newBuckets
	s.logger.Printf("keylock: shard resized to %d buckets (%d locks)", newSize, s.count)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// find locates the Lock for (indexId, key) without mutating the table; the
// Lock pointer itself is stable once allocated, so callers may retain it
// across the latch release (only its fields mutate, always under this
// shard's latch).
func (s *LockShard) find(indexId uint64, key []byte, hash uint32) (*Lock, bool) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()
	l := s.findLocked(indexId, key, hash)
	return l, l != nil
}

// findOrCreateLocked returns the Lock for (indexId, key), allocating and
// inserting a fresh record if none exists yet.
func (s *LockShard) findOrCreateLocked(indexId uint64, key []byte, hash uint32) *Lock {
	if l := s.findLocked(indexId, key, hash); l != nil {
		return l
	}
	l := newLock(indexId, key, hash)
	s.insertLocked(l)
	return l
}

// tryAcquire attempts to grant mode to locker on (indexId, key) without
// blocking. If the lock cannot be granted immediately it is left queued
// (for Shared/Upgradable/Exclusive) and the caller is expected to wait on
// the returned channel, or removeWaiter on timeout/cancellation.
//
// Returns (result, lock, waitEntry). waitEntry is non-nil iff the caller
// must block, in which case lock is the record it was queued against.
func (s *LockShard) tryAcquire(locker *Locker, mode LockMode, indexId uint64, key []byte, hash uint32) (LockResult, *Lock, *lockWaitEntry) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	l := s.findOrCreateLocked(indexId, key, hash)

	var result LockResult
	var waiter *lockWaitEntry
	switch mode {
	case ModeShared:
		result, waiter = s.tryAcquireSharedLocked(locker, l)
	case ModeUpgradable:
		result, waiter = s.tryAcquireUpgradableLocked(locker, l)
	case ModeExclusive:
		result, waiter = s.tryAcquireExclusiveLocked(locker, l)
	default:
		result = Illegal
	}
	return result, l, waiter
}

func (s *LockShard) tryAcquireSharedLocked(locker *Locker, l *Lock) (LockResult, *lockWaitEntry) {
	if l.holdsShared(locker) {
		return OwnedShared, nil
	}
	if l.owner == locker {
		// Already holds upgradable or exclusive: strictly stronger than shared.
		if l.isExclusive() {
			return OwnedExclusive, nil
		}
		return OwnedUpgradable, nil
	}
	// A queued exclusive waiter sets an implicit "exclusive pending" bit:
	// new shared requests must queue behind it rather than barge past, or
	// a steady stream of readers could starve the writer indefinitely.
	if !l.isExclusive() && len(l.queueExclusive) == 0 {
		l.addSharedOwner(locker)
		return Acquired, nil
	}
	entry := &lockWaitEntry{locker: locker, mode: ModeShared, ready: make(chan LockResult, 1)}
	l.queueShared = append(l.queueShared, entry)
	return 0, entry
}

func (s *LockShard) tryAcquireUpgradableLocked(locker *Locker, l *Lock) (LockResult, *lockWaitEntry) {
	if l.owner == locker {
		if l.isExclusive() {
			return OwnedExclusive, nil
		}
		return OwnedUpgradable, nil
	}
	holdsShared := l.holdsShared(locker)
	if l.owner == nil && !l.isExclusive() && (holdsShared || len(l.queueExclusive) == 0) {
		if holdsShared {
			switch s.upgradeRule {
			case UpgradeUnchecked:
				// permitted unconditionally
			case UpgradeLenient:
				if l.sharedCount() != 1 {
					return Illegal, nil
				}
			default: // UpgradeStrict
				return Illegal, nil
			}
		}
		l.owner = locker
		l.count |= lockCountUpgradable
		return Acquired, nil
	}
	entry := &lockWaitEntry{locker: locker, mode: ModeUpgradable, ready: make(chan LockResult, 1)}
	l.queueUpgradable = append(l.queueUpgradable, entry)
	return 0, entry
}

func (s *LockShard) tryAcquireExclusiveLocked(locker *Locker, l *Lock) (LockResult, *lockWaitEntry) {
	if l.owner == locker {
		if l.isExclusive() {
			return OwnedExclusive, nil
		}
		if l.isUpgradable() && l.sharedCount() == 1 && l.holdsShared(locker) {
			l.removeSharedOwner(locker)
			l.count = (l.count &^ lockCountUpgradable) | lockCountExclusive
			return Upgraded, nil
		}
		if l.isUpgradable() && l.sharedCount() == 0 {
			l.count = (l.count &^ lockCountUpgradable) | lockCountExclusive
			return Upgraded, nil
		}
		// holds upgradable but other readers remain: must wait them out.
		entry := &lockWaitEntry{locker: locker, mode: ModeExclusive, ready: make(chan LockResult, 1)}
		l.queueExclusive = append(l.queueExclusive, entry)
		return 0, entry
	}
	if l.owner == nil && !l.isExclusive() && l.sharedCount() == 0 {
		l.owner = locker
		l.count |= lockCountExclusive
		return Acquired, nil
	}
	entry := &lockWaitEntry{locker: locker, mode: ModeExclusive, ready: make(chan LockResult, 1)}
	l.queueExclusive = append(l.queueExclusive, entry)
	return 0, entry
}

// wait blocks on entry until granted, timeout elapses, or ctx is cancelled.
// On timeout/cancellation the entry is removed from l's wait queue.
func (s *LockShard) wait(ctx context.Context, l *Lock, entry *lockWaitEntry, timeout time.Duration) LockResult {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case r := <-entry.ready:
		return r
	case <-timerC:
		if s.removeWaiter(l, entry) {
			return TimedOut
		}
		return <-entry.ready // granted in the race between timer fire and removal
	case <-ctx.Done():
		if s.removeWaiter(l, entry) {
			return Interrupted
		}
		return <-entry.ready
	}
}

// removeWaiter deletes entry from whichever of l's wait queues it is on.
// Returns true if it was still queued (and so is genuinely timed
// out/interrupted), false if it had already been granted concurrently.
func (s *LockShard) removeWaiter(l *Lock, entry *lockWaitEntry) bool {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	if removeFromQueue(&l.queueShared, entry) {
		return true
	}
	if removeFromQueue(&l.queueUpgradable, entry) {
		return true
	}
	if removeFromQueue(&l.queueExclusive, entry) {
		return true
	}
	return false
}

func removeFromQueue(q *[]*lockWaitEntry, entry *lockWaitEntry) bool {
	for i, e := range *q {
		if e == entry {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return true
		}
	}
	return false
}

// unlock fully releases locker's hold on l (whatever mode it is in) and
// wakes whichever queued waiters can now be granted. If l becomes unheld
// with no remaining waiters, it is removed from the shard's table.
func (s *LockShard) unlock(l *Lock, locker *Locker) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	if l.owner == locker {
		l.owner = nil
		l.count &^= lockCountExclusive | lockCountUpgradable
	}
	if l.holdsShared(locker) {
		l.removeSharedOwner(locker)
	}
	s.wakeWaitersLocked(l)
	s.reapIfUnheldLocked(l)
}

// unlockToShared demotes locker's exclusive or upgradable hold to a shared
// hold by adding locker to the shared-owner set (a no-op for the set if
// locker already appears there, e.g. an upgradable holder that never
// released shared).
func (s *LockShard) unlockToShared(l *Lock, locker *Locker) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	if l.owner == locker {
		l.owner = nil
		l.count &^= lockCountExclusive | lockCountUpgradable
	}
	l.addSharedOwner(locker)
	s.wakeWaitersLocked(l)
}

// unlockToUpgradable demotes locker's exclusive hold to upgradable,
// retaining ownership.
func (s *LockShard) unlockToUpgradable(l *Lock, locker *Locker) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	if l.owner == locker && l.isExclusive() {
		l.count = (l.count &^ lockCountExclusive) | lockCountUpgradable
	}
	s.wakeWaitersLocked(l)
}

// transferExclusive detaches locker's exclusive hold into a PendingTxn that
// will release it later; wait queues are left untouched.
func (s *LockShard) transferExclusive(l *Lock, locker *Locker, pending *PendingTxn) {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	if l.owner == locker && l.isExclusive() {
		pending.addEntry(s, l, locker)
	}
}

// wakeWaitersLocked grants the lock to as many queued waiters as the
// resulting state allows: a single exclusive waiter iff no shared holders
// remain, otherwise every upgradable/shared waiter whose mode the new
// state admits.
func (s *LockShard) wakeWaitersLocked(l *Lock) {
	if l.owner == nil && !l.isExclusive() && l.sharedCount() == 0 && len(l.queueExclusive) > 0 {
		e := dequeueWait(&l.queueExclusive)
		l.owner = e.locker
		l.count |= lockCountExclusive
		e.ready <- Acquired
		return
	}
	if l.owner != nil && !l.isExclusive() {
		readers := l.sharedCount()
		if l.holdsShared(l.owner) {
			readers--
		}
		for _, e := range l.queueExclusive {
			if e.locker == l.owner && readers == 0 {
				removeFromQueue(&l.queueExclusive, e)
				l.removeSharedOwner(e.locker)
				l.count = (l.count &^ lockCountUpgradable) | lockCountExclusive
				e.ready <- Upgraded
				return
			}
		}
	}
	if l.owner == nil && !l.isExclusive() {
		for len(l.queueUpgradable) > 0 {
			e := dequeueWait(&l.queueUpgradable)
			l.owner = e.locker
			l.count |= lockCountUpgradable
			e.ready <- Acquired
			break
		}
	}
	if !l.isExclusive() {
		for len(l.queueShared) > 0 {
			e := dequeueWait(&l.queueShared)
			l.addSharedOwner(e.locker)
			e.ready <- Acquired
		}
	}
}

func dequeueWait(q *[]*lockWaitEntry) *lockWaitEntry {
	e := (*q)[0]
	*q = (*q)[1:]
	return e
}

func (s *LockShard) reapIfUnheldLocked(l *Lock) {
	if l.isUnheld() && len(l.queueShared) == 0 && len(l.queueUpgradable) == 0 && len(l.queueExclusive) == 0 {
		s.removeLocked(l)
	}
}

// check reports locker's current hold on (indexId, key) without blocking.
func (s *LockShard) check(locker *Locker, indexId uint64, key []byte, hash uint32) LockResult {
	s.latch.AcquireExclusive(context.Background(), 0)
	defer s.latch.ReleaseExclusive()

	l := s.findLocked(indexId, key, hash)
	if l == nil {
		return Unowned
	}
	return l.check(locker)
}
