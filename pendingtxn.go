package keylock

// pendingEntry is one detached exclusive hold: the shard/lock pair plus the
// Locker it was transferred from, retained only so Release can drive the
// normal shard.unlock path -- the Locker itself is otherwise done.
type pendingEntry struct {
	shard  *LockShard
	lock   *Lock
	locker *Locker
}

// PendingTxn holds a batch of exclusive locks detached from a Locker via
// TransferExclusive, destined for release once whatever the caller is
// waiting on (an async commit, a group of followers applying a replicated
// write) finishes. Until Release is called, every lock in the batch stays
// held exactly as it was at the moment of transfer.
type PendingTxn struct {
	entries []pendingEntry
}

func newPendingTxn() *PendingTxn {
	return &PendingTxn{}
}

func (p *PendingTxn) addEntry(shard *LockShard, lock *Lock, locker *Locker) {
	p.entries = append(p.entries, pendingEntry{shard: shard, lock: lock, locker: locker})
}

// Len reports how many locks this batch holds.
func (p *PendingTxn) Len() int { return len(p.entries) }

// Release unlocks every lock in the batch. It is idempotent: calling it
// again on an already-released PendingTxn is a no-op since the entry slice
// is cleared after the first call.
func (p *PendingTxn) Release() {
	for _, e := range p.entries {
		e.shard.unlock(e.lock, e.locker)
	}
	p.entries = nil
}
