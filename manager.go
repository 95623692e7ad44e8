package keylock

import (
	"context"
	"hash/fnv"
	"runtime"
	"time"
)

// Options configures a LockManager.
type Options struct {
	// Shards is the number of LockShards; rounded up to the next power of
	// two. Defaults to runtime.NumCPU() * 4.
	Shards int

	// UpgradeRule governs shared-to-upgradable promotion across every
	// shard. Defaults to UpgradeStrict.
	UpgradeRule UpgradeRule

	// InitialBucketsPerShard is the starting hash table size for each
	// shard. Defaults to 16.
	InitialBucketsPerShard int

	// Logger receives diagnostic messages (shard resize, deadlock
	// detection firing). Defaults to a no-op logger.
	Logger Logger
}

// DefaultOptions returns the Options a LockManager uses when none are
// supplied explicitly.
func DefaultOptions() Options {
	return Options{
		Shards:                  runtime.NumCPU() * 4,
		UpgradeRule:             UpgradeStrict,
		InitialBucketsPerShard:  16,
		Logger:                  defaultLogger(),
	}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// LockManager is a fixed array of LockShards, each owning a disjoint slice
// of the (indexId, key) keyspace. A transaction's Locker calls the top-level
// lock/check/transfer entry points here; the manager hashes the key to pick
// a shard and dispatches.
type LockManager struct {
	shards    []*LockShard
	shardMask uint32
	logger    Logger
	detector  *DeadlockDetector
}

// NewLockManager constructs a LockManager from opts, filling in defaults
// for any zero-valued fields.
func NewLockManager(opts Options) *LockManager {
	defaults := DefaultOptions()
	if opts.Shards <= 0 {
		opts.Shards = defaults.Shards
	}
	if opts.InitialBucketsPerShard <= 0 {
		opts.InitialBucketsPerShard = defaults.InitialBucketsPerShard
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}

	n := nextPowerOfTwo(opts.Shards)
	m := &LockManager{
		shards:    make([]*LockShard, n),
		shardMask: uint32(n - 1),
		logger:    opts.Logger,
		detector:  NewDeadlockDetector(opts.Logger),
	}
	for i := range m.shards {
		m.shards[i] = newLockShard(opts.InitialBucketsPerShard, opts.UpgradeRule, opts.Logger)
	}
	return m
}

// hashKey derives the 32-bit hash driving both shard selection and
// in-shard bucket placement, per the pack's convention of using hash/fnv
// for sharding (see osakka-entitydb's ShardedTagIndex.getShard and
// xkeylock's maphash-based shard selector).
func hashKey(indexId uint64, key []byte) uint32 {
	h := fnv.New32a()
	var idBuf [8]byte
	for i := 0; i < 8; i++ {
		idBuf[i] = byte(indexId >> (8 * i))
	}
	h.Write(idBuf[:])
	h.Write(key)
	return h.Sum32()
}

func (m *LockManager) shardFor(hash uint32) *LockShard {
	return m.shards[hash&m.shardMask]
}

// lockWith is the shared implementation behind LockShared/LockUpgradable/
// LockExclusive and their TryLock* counterparts.
func (m *LockManager) lockWith(ctx context.Context, locker *Locker, mode LockMode, indexId uint64, key []byte, timeout time.Duration) (LockResult, error) {
	hash := hashKey(indexId, key)
	shard := m.shardFor(hash)

	result, l, waiter := shard.tryAcquire(locker, mode, indexId, key, hash)
	if waiter == nil {
		if result.IsHeld() {
			locker.pushLock(shard, l, mode)
		} else if result == Illegal {
			return result, ErrIllegalUpgrade
		}
		return result, nil
	}

	locker.setWaitingFor(shard, indexId, key, hash)
	defer locker.clearWaitingFor()

	result = shard.wait(ctx, l, waiter, timeout)

	switch result {
	case TimedOut:
		if set, ok := m.detector.Detect(locker); ok {
			return result, &DeadlockError{Timeout: timeout, Guilty: set.Guilty, Participants: set.Participants}
		}
		return result, &LockTimeoutError{Timeout: timeout}
	case Interrupted:
		return result, ErrLockInterrupted
	default:
		if result.IsHeld() {
			locker.pushLock(shard, l, mode)
		}
		return result, nil
	}
}

// LockShared acquires a shared lock, blocking up to timeout (0 = forever).
func (m *LockManager) LockShared(ctx context.Context, locker *Locker, indexId uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return m.lockWith(ctx, locker, ModeShared, indexId, key, timeout)
}

// LockUpgradable acquires an upgradable lock.
func (m *LockManager) LockUpgradable(ctx context.Context, locker *Locker, indexId uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return m.lockWith(ctx, locker, ModeUpgradable, indexId, key, timeout)
}

// LockExclusive acquires an exclusive lock.
func (m *LockManager) LockExclusive(ctx context.Context, locker *Locker, indexId uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return m.lockWith(ctx, locker, ModeExclusive, indexId, key, timeout)
}

// LockDefault acquires a lock using locker's current per-scope defaults
// (Locker.DefaultMode and Locker.LockTimeout) instead of explicit
// parameters, the per-scope "lock mode default"/"lock timeout" metadata
// described alongside Locker's stack.
func (m *LockManager) LockDefault(ctx context.Context, locker *Locker, indexId uint64, key []byte) (LockResult, error) {
	return m.lockWith(ctx, locker, locker.DefaultMode(), indexId, key, locker.LockTimeout())
}

// TryLockShared is the non-blocking variant: it never parks, returning
// TimedOut immediately if the lock cannot be granted right away.
func (m *LockManager) TryLockShared(locker *Locker, indexId uint64, key []byte) LockResult {
	return m.tryLockNonBlocking(locker, ModeShared, indexId, key)
}

// TryLockUpgradable is the non-blocking variant of LockUpgradable.
func (m *LockManager) TryLockUpgradable(locker *Locker, indexId uint64, key []byte) LockResult {
	return m.tryLockNonBlocking(locker, ModeUpgradable, indexId, key)
}

// TryLockExclusive is the non-blocking variant of LockExclusive.
func (m *LockManager) TryLockExclusive(locker *Locker, indexId uint64, key []byte) LockResult {
	return m.tryLockNonBlocking(locker, ModeExclusive, indexId, key)
}

func (m *LockManager) tryLockNonBlocking(locker *Locker, mode LockMode, indexId uint64, key []byte) LockResult {
	hash := hashKey(indexId, key)
	shard := m.shardFor(hash)
	result, l, waiter := shard.tryAcquire(locker, mode, indexId, key, hash)
	if waiter == nil {
		if result.IsHeld() {
			locker.pushLock(shard, l, mode)
		}
		return result
	}
	shard.removeWaiter(l, waiter)
	return TimedOut
}

// Check reports locker's current hold on (indexId, key) without blocking.
func (m *LockManager) Check(locker *Locker, indexId uint64, key []byte) LockResult {
	hash := hashKey(indexId, key)
	shard := m.shardFor(hash)
	return shard.check(locker, indexId, key, hash)
}

// TransferExclusive detaches every exclusive hold locker acquired in its
// top (current) scope into a PendingTxn the caller can release later, as
// part of committing locker's transaction asynchronously. The reference
// implementation only ever operates on the top scope; this package follows
// that rather than leaving it ambiguous.
func (m *LockManager) TransferExclusive(locker *Locker) *PendingTxn {
	return locker.transferExclusive()
}
