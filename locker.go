package keylock

import (
	"sync/atomic"
	"time"
)

// blockMinCap is the starting capacity of a freshly allocated stack Block;
// it doubles on demand up to blockMaxCap before a new Block is chained.
const (
	blockMinCap = 8
	blockMaxCap = 64
)

// heldLock is one entry on a Locker's stack: the lock it holds, which shard
// owns it, in which mode, and which Locker this entry belongs to (needed
// because a Lock's sharedOwners set may contain several Lockers at once, so
// the Lock record alone can't tell release calls which one this entry is).
type heldLock struct {
	shard  *LockShard
	lock   *Lock
	mode   LockMode
	locker *Locker
}

// stackBlock is a segment of a Locker's lock stack: up to blockMaxCap
// entries plus a bitmap marking which entries were strict-upgrade pushes of
// a lock already held earlier on the stack (in this or an enclosing scope).
// Blocks chain backward via
// prev so a Locker's whole stack can be walked without a slice resize on
// every push.
type stackBlock struct {
	entries     [blockMaxCap]heldLock
	upgradeBits uint64
	size        int
	cap         int
	prev        *stackBlock
}

func nextBlockCap(cap int) int {
	if cap >= blockMaxCap {
		return blockMaxCap
	}
	return cap * 2
}

// scopeFrame remembers the stack height at scopeEnter so scopeExit knows
// exactly how many entries to unwind, plus the Locker's lock-timeout and
// default-mode metadata as they stood at that point -- SetLockTimeout/
// SetDefaultMode calls made inside the scope are restored from here on
// scopeExit rather than leaking into the enclosing scope.
type scopeFrame struct {
	height        int
	lockTimeout   int64 // nanoseconds; inherited from parent unless overridden
	defaultMode   LockMode
	savepointMark int // caller-opaque identifier for this scope, see Locker.SavepointMark
}

// waitInfo is published by a Locker while blocked so the deadlock detector
// (running on another goroutine) can read it.
type waitInfo struct {
	shard *LockShard
	lock  *Lock
}

// Locker is the lock-holding identity of a single transaction. It is NOT
// safe for concurrent use from multiple goroutines simultaneously -- only
// one goroutine may call methods on a given Locker at a time, though
// ownership may be handed off between goroutines provided the caller
// establishes happens-before ordering itself. The sole exception is
// waitingFor, which the deadlock detector reads from another goroutine
// while this Locker is parked.
type Locker struct {
	manager *LockManager
	id      LockerID

	inline        *heldLock
	inlineUpgrade bool // set when the inline entry was promoted in place (Rule 1) rather than freshly pushed
	tailBlock     *stackBlock
	height        int

	scopes []scopeFrame

	waitingFor atomic.Pointer[waitInfo]

	freeBlocks []*stackBlock

	defaultTimeout int64    // nanoseconds, 0 = wait forever; current scope's effective default, see SetLockTimeout
	defaultMode    LockMode // current scope's effective default acquisition mode, see SetDefaultMode
	savepointSeq   int      // counter handed out as each scope's savepointMark
}

var lockerIDCounter uint64

// NewLocker creates a Locker bound to manager, ready to start acquiring
// locks. Callers discard it (letting it be garbage collected) on commit or
// rollback.
func NewLocker(manager *LockManager) *Locker {
	return &Locker{
		manager: manager,
		id:      LockerID(atomic.AddUint64(&lockerIDCounter, 1)),
	}
}

// ID returns the LockerID used to identify this Locker in deadlock reports.
func (lk *Locker) ID() LockerID { return lk.id }

func (lk *Locker) setWaitingFor(shard *LockShard, indexId uint64, key []byte, hash uint32) {
	l, _ := shard.find(indexId, key, hash)
	lk.waitingFor.Store(&waitInfo{shard: shard, lock: l})
}

func (lk *Locker) clearWaitingFor() {
	lk.waitingFor.Store(nil)
}

// ---- stack mechanics ----

func (lk *Locker) allocBlock() *stackBlock {
	if n := len(lk.freeBlocks); n > 0 {
		b := lk.freeBlocks[n-1]
		lk.freeBlocks = lk.freeBlocks[:n-1]
		*b = stackBlock{cap: blockMinCap}
		return b
	}
	return &stackBlock{cap: blockMinCap}
}

func (lk *Locker) freeBlock(b *stackBlock) {
	lk.freeBlocks = append(lk.freeBlocks, b)
}

func (lk *Locker) inCurrentScope() bool {
	if len(lk.scopes) == 0 {
		return true
	}
	return lk.height > lk.scopes[len(lk.scopes)-1].height
}

func (lk *Locker) scopeFloor() int {
	if len(lk.scopes) == 0 {
		return 0
	}
	return lk.scopes[len(lk.scopes)-1].height
}

// peekTop returns the entry at the top of the stack, if any.
func (lk *Locker) peekTop() (*heldLock, bool) {
	if lk.tailBlock != nil && lk.tailBlock.size > 0 {
		return &lk.tailBlock.entries[lk.tailBlock.size-1], true
	}
	if lk.inline != nil {
		return lk.inline, true
	}
	return nil, false
}

// topUpgradeBitSet reports whether the top-of-stack entry's upgrade bit is
// set.
func (lk *Locker) topUpgradeBitSet() bool {
	if lk.tailBlock != nil && lk.tailBlock.size > 0 {
		return lk.tailBlock.upgradeBits&(1<<uint(lk.tailBlock.size-1)) != 0
	}
	return lk.inline != nil && lk.inlineUpgrade
}

// clearTopUpgradeBit marks the top-of-stack entry as no longer an upgrade
// of an earlier hold. Called after an explicit demotion (unlockLastToShared/
// unlockLastToUpgradable): once the caller has paid the demotion step by
// hand, the remaining hold is equivalent to one acquired fresh at that
// weaker mode, so a later unlockLast on it is no longer non-immediate.
func (lk *Locker) clearTopUpgradeBit() {
	if lk.tailBlock != nil && lk.tailBlock.size > 0 {
		lk.tailBlock.upgradeBits &^= 1 << uint(lk.tailBlock.size-1)
		return
	}
	lk.inlineUpgrade = false
}

// findOnStack looks for an existing stack entry referring to lock, at any
// depth (including locks acquired in an enclosing scope), returning its
// mode if found. Used to decide whether a push is an upgrade: a lock
// promotion counts as non-immediate the moment any earlier entry for the
// same Lock exists anywhere on the stack, not only within the current
// scope -- unlockLast on such an entry would otherwise drop the earlier,
// weaker hold along with it, silently corrupting an enclosing scope's
// observable lock set.
func (lk *Locker) findOnStack(lock *Lock) (LockMode, bool) {
	for b := lk.tailBlock; b != nil; b = b.prev {
		for i := b.size - 1; i >= 0; i-- {
			if b.entries[i].lock == lock {
				return b.entries[i].mode, true
			}
		}
	}
	if lk.inline != nil && lk.inline.lock == lock {
		return lk.inline.mode, true
	}
	return 0, false
}

// push appends entry to the top of the stack, applying the suppression and
// upgrade-bit rules from the design notes.
func (lk *Locker) push(entry heldLock) {
	if top, ok := lk.peekTop(); ok && top.lock == entry.lock && lk.inCurrentScope() {
		// Rule 1: immediate re-push of the same Lock in the same scope is
		// suppressed; the existing entry is promoted in place and its
		// upgrade bit is set so unlockLast knows this is not a fresh hold.
		if entry.mode > top.mode {
			top.mode = entry.mode
			if lk.tailBlock != nil && lk.tailBlock.size > 0 {
				lk.tailBlock.upgradeBits |= 1 << uint(lk.tailBlock.size-1)
			} else if lk.inline != nil {
				lk.inlineUpgrade = true
			}
		}
		return
	}

	priorMode, heldEarlier := lk.findOnStack(entry.lock)
	isUpgrade := heldEarlier && entry.mode > priorMode

	if lk.tailBlock == nil && lk.inline == nil {
		cp := entry
		lk.inline = &cp
		lk.inlineUpgrade = false
		lk.height++
		return
	}
	if lk.tailBlock == nil {
		b := lk.allocBlock()
		b.entries[0] = *lk.inline
		b.size = 1
		if lk.inlineUpgrade {
			b.upgradeBits |= 1
		}
		lk.inline = nil
		lk.inlineUpgrade = false
		lk.tailBlock = b
	}
	b := lk.tailBlock
	if b.size == b.cap {
		if b.cap < blockMaxCap {
			b.cap = nextBlockCap(b.cap)
		} else {
			nb := lk.allocBlock()
			nb.prev = b
			lk.tailBlock = nb
			b = nb
		}
	}
	b.entries[b.size] = entry
	if isUpgrade {
		b.upgradeBits |= 1 << uint(b.size)
	}
	b.size++
	lk.height++
}

// popTop removes and returns the top-of-stack entry along with whether its
// upgrade bit was set.
func (lk *Locker) popTop() (heldLock, bool) {
	if lk.tailBlock != nil {
		b := lk.tailBlock
		b.size--
		entry := b.entries[b.size]
		wasUpgrade := b.upgradeBits&(1<<uint(b.size)) != 0
		b.upgradeBits &^= 1 << uint(b.size)
		if b.size == 0 {
			lk.tailBlock = b.prev
			lk.freeBlock(b)
		}
		lk.height--
		return entry, wasUpgrade
	}
	entry := *lk.inline
	wasUpgrade := lk.inlineUpgrade
	lk.inline = nil
	lk.inlineUpgrade = false
	lk.height--
	return entry, wasUpgrade
}

// releaseEntry undoes one stack entry against its shard: a fresh hold is
// fully unlocked, while an upgrade-bit entry is only demoted back to the
// mode it promoted from (the earlier, weaker entry for the same lock
// remains on the stack).
func releaseEntry(entry heldLock, wasUpgrade bool) {
	if !wasUpgrade {
		entry.shard.unlock(entry.lock, entry.locker)
		return
	}
	switch entry.mode {
	case ModeExclusive:
		entry.shard.unlockToUpgradable(entry.lock, entry.locker)
	case ModeUpgradable:
		entry.shard.unlockToShared(entry.lock, entry.locker)
	default:
		entry.shard.unlock(entry.lock, entry.locker)
	}
}

// pushLock records a freshly granted or already-owned lock on the stack.
// Called by LockManager immediately after a successful acquire.
func (lk *Locker) pushLock(shard *LockShard, l *Lock, mode LockMode) {
	lk.push(heldLock{shard: shard, lock: l, mode: mode, locker: lk})
}

// ---- scopes & savepoints ----

// ScopeEnter pushes a new frame recording the current stack height plus the
// locker's current lock-timeout and default-mode metadata; a matching
// ScopeExit releases everything acquired since this call and restores that
// metadata. Returns the scope's savepoint mark, a monotonically increasing
// identifier with no meaning to Locker itself -- callers can use it to name
// this scope for a later targeted rollback.
func (lk *Locker) ScopeEnter() int {
	lk.savepointSeq++
	lk.scopes = append(lk.scopes, scopeFrame{
		height:        lk.height,
		lockTimeout:   lk.defaultTimeout,
		defaultMode:   lk.defaultMode,
		savepointMark: lk.savepointSeq,
	})
	return lk.savepointSeq
}

// Promote merges the current scope's acquisitions into the enclosing
// scope: the current frame is discarded without releasing anything, so
// those locks are now owned by the parent scope.
func (lk *Locker) Promote() {
	if len(lk.scopes) == 0 {
		return
	}
	lk.scopes = lk.scopes[:len(lk.scopes)-1]
}

// ScopeExit releases everything acquired since the matching ScopeEnter and
// pops that frame. After it returns, the observable lock set equals what it
// was at ScopeEnter.
func (lk *Locker) ScopeExit() {
	if len(lk.scopes) == 0 {
		return
	}
	frame := lk.scopes[len(lk.scopes)-1]
	lk.unwindTo(frame.height)
	lk.scopes = lk.scopes[:len(lk.scopes)-1]
	lk.defaultTimeout = frame.lockTimeout
	lk.defaultMode = frame.defaultMode
}

// ScopeExitAll unwinds every open scope.
func (lk *Locker) ScopeExitAll() {
	for len(lk.scopes) > 0 {
		lk.ScopeExit()
	}
}

// ScopeUnlockAll releases everything in the current scope without popping
// its frame, so the scope remains open (a later ScopeExit on it then has
// nothing to release, but still pops the frame and restores its metadata).
func (lk *Locker) ScopeUnlockAll() {
	lk.unwindTo(lk.scopeFloor())
}

func (lk *Locker) unwindTo(height int) {
	for lk.height > height {
		entry, wasUpgrade := lk.popTop()
		releaseEntry(entry, wasUpgrade)
		if _, still := lk.findOnStack(entry.lock); wasUpgrade && !still {
			// Promoted in place (Rule 1): no weaker entry is left to release
			// the hold it was promoted from.
			entry.shard.unlock(entry.lock, entry.locker)
		}
	}
}

// SetLockTimeout overrides the timeout LockManager.LockDefault uses for
// this locker until the matching ScopeExit (or, if no scope is open, for
// the remainder of the transaction).
func (lk *Locker) SetLockTimeout(d time.Duration) {
	lk.defaultTimeout = int64(d)
}

// LockTimeout returns the timeout currently in effect.
func (lk *Locker) LockTimeout() time.Duration {
	return time.Duration(lk.defaultTimeout)
}

// SetDefaultMode overrides the acquisition mode LockManager.LockDefault
// uses for this locker until the matching ScopeExit.
func (lk *Locker) SetDefaultMode(mode LockMode) {
	lk.defaultMode = mode
}

// DefaultMode returns the acquisition mode currently in effect.
func (lk *Locker) DefaultMode() LockMode {
	return lk.defaultMode
}

// SavepointMark returns the identifier ScopeEnter assigned to the
// innermost open scope, or 0 if no scope is open.
func (lk *Locker) SavepointMark() int {
	if len(lk.scopes) == 0 {
		return 0
	}
	return lk.scopes[len(lk.scopes)-1].savepointMark
}

// IsNested reports whether any scope is currently open.
func (lk *Locker) IsNested() bool { return len(lk.scopes) > 0 }

// NestingLevel reports how many scopes are currently open.
func (lk *Locker) NestingLevel() int { return len(lk.scopes) }

// LastLockedIndex returns the indexId of the most recently pushed lock, or
// 0 if the stack is empty.
func (lk *Locker) LastLockedIndex() uint64 {
	if top, ok := lk.peekTop(); ok {
		return top.lock.indexId
	}
	return 0
}

// LastLockedKey returns the key of the most recently pushed lock, or nil if
// the stack is empty.
func (lk *Locker) LastLockedKey() []byte {
	if top, ok := lk.peekTop(); ok {
		return top.lock.key
	}
	return nil
}

// ---- immediate per-lock release ----

// UnlockLast releases the top-of-stack lock. It fails with
// ErrNotImmediateUpgrade if the top entry's upgrade bit is set -- releasing
// it directly would silently drop the demotion step an upgrade requires.
func (lk *Locker) UnlockLast() error {
	if _, ok := lk.peekTop(); !ok {
		return ErrLockFailure
	}
	if !lk.inCurrentScope() {
		return ErrScopeMismatch
	}
	if lk.topUpgradeBitSet() {
		return ErrNotImmediateUpgrade
	}
	entry, _ := lk.popTop()
	entry.shard.unlock(entry.lock, entry.locker)
	return nil
}

// UnlockLastToShared demotes the top-of-stack lock (held upgradable or
// exclusive) to shared.
func (lk *Locker) UnlockLastToShared() error {
	top, ok := lk.peekTop()
	if !ok {
		return ErrLockFailure
	}
	if !lk.inCurrentScope() {
		return ErrScopeMismatch
	}
	top.shard.unlockToShared(top.lock, top.locker)
	top.mode = ModeShared
	lk.clearTopUpgradeBit()
	return nil
}

// UnlockLastToUpgradable demotes the top-of-stack lock (held exclusive) to
// upgradable.
func (lk *Locker) UnlockLastToUpgradable() error {
	top, ok := lk.peekTop()
	if !ok {
		return ErrLockFailure
	}
	if !lk.inCurrentScope() {
		return ErrScopeMismatch
	}
	top.shard.unlockToUpgradable(top.lock, top.locker)
	top.mode = ModeUpgradable
	lk.clearTopUpgradeBit()
	return nil
}

// Unlock releases lk's hold on l through its shard, whatever l's position on
// the stack; it is the general-purpose counterpart used by LockManager-level
// callers that track a specific Lock rather than stack position. The stack
// entry for l is not removed.
func (lk *Locker) Unlock(shard *LockShard, l *Lock) {
	shard.unlock(l, lk)
}

// UnlockToShared demotes l (held upgradable or exclusive by locker) to
// shared.
func (lk *Locker) UnlockToShared(shard *LockShard, l *Lock) {
	shard.unlockToShared(l, lk)
}

// UnlockToUpgradable demotes l (held exclusive by locker) to upgradable.
func (lk *Locker) UnlockToUpgradable(shard *LockShard, l *Lock) {
	shard.unlockToUpgradable(l, lk)
}

// discardAllLocks abandons this Locker without releasing anything it
// holds: used when the caller's invariants can no longer be trusted (e.g.
// an unrecoverable storage failure) and releasing could propagate
// corruption. The locks it held leak deliberately.
func (lk *Locker) discardAllLocks() {
	lk.inline = nil
	lk.inlineUpgrade = false
	lk.tailBlock = nil
	lk.height = 0
	lk.scopes = nil
}

// DiscardAllLocks is the exported form of discardAllLocks for callers on
// an unrecoverable failure path.
func (lk *Locker) DiscardAllLocks() { lk.discardAllLocks() }

// ---- transferExclusive ----

// transferExclusive walks the top scope's stack in reverse, detaching
// every exclusive hold into a PendingTxn for later release and discarding
// everything else. It always operates on the top (current) scope only,
// following the reference implementation rather than the ambiguous
// alternative of operating on the whole stack.
func (lk *Locker) transferExclusive() *PendingTxn {
	pending := newPendingTxn()
	floor := lk.scopeFloor()
	for lk.height > floor {
		entry, _ := lk.popTop()
		if entry.mode == ModeExclusive {
			entry.shard.transferExclusive(entry.lock, entry.locker, pending)
		}
	}
	if len(lk.scopes) > 0 {
		lk.scopes = lk.scopes[:len(lk.scopes)-1]
	}
	return pending
}
