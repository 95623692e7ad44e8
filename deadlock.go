package keylock

import "context"

// detectorCtx is used for the shard latch acquisitions the detector
// performs. It has no deadline, so holdersOf waits for a busy shard latch
// like any other caller; it never waits on a Lock's own queue.
var detectorCtx = context.Background()

// maxDeadlockDepth bounds the detector's traversal so a malformed or very
// large wait-for graph can't make a single timeout stall indefinitely; a
// partial traversal simply reports "no cycle found" rather than blocking.
const maxDeadlockDepth = 256

// DeadlockSet describes a proven wait-for cycle: every Locker involved, and
// which one the detector treats as guilty (advisory only -- the detector
// picks no victim, it just names the Locker whose timeout triggered the
// scan, since that is the one the caller is already unwinding).
type DeadlockSet struct {
	Guilty       LockerID
	Participants []LockerID
}

// DeadlockDetector performs a bounded, transient depth-first search over
// the wait-for graph (Locker -> Locker, via whatever Lock the first is
// blocked on and the second holds) when a lock wait times out. It never
// holds more than one shard's latch at a time and never allocates
// persistent graph state -- the wait-for graph is inherently cyclic under
// deadlock, so nothing about it is cached between scans.
type DeadlockDetector struct {
	logger Logger
}

// NewDeadlockDetector returns a detector that logs to logger (nil is
// treated as a no-op logger).
func NewDeadlockDetector(logger Logger) *DeadlockDetector {
	if logger == nil {
		logger = discardLogger
	}
	return &DeadlockDetector{logger: logger}
}

// Detect runs a bounded DFS starting from origin, which must currently have
// waitingFor set (i.e. be genuinely parked on a lock). It returns the
// DeadlockSet and true if a cycle back to origin was found, else
// (DeadlockSet{}, false).
func (d *DeadlockDetector) Detect(origin *Locker) (DeadlockSet, bool) {
	if origin.waitingFor.Load() == nil {
		return DeadlockSet{}, false
	}
	visited := make(map[*Locker]bool)
	visited[origin] = true
	if path, ok := d.walk(origin, origin, visited, 0); ok {
		ids := make([]LockerID, len(path))
		for i, p := range path {
			ids[i] = p.ID()
		}
		d.logger.Printf("keylock: deadlock detected, guilty=%d participants=%v", origin.ID(), ids)
		return DeadlockSet{Guilty: origin.ID(), Participants: ids}, true
	}
	return DeadlockSet{}, false
}

// walk follows current's waitingFor edge to its holders, looking for a path
// back to origin. On success it returns the participant chain, which ends
// with origin itself.
func (d *DeadlockDetector) walk(origin, current *Locker, visited map[*Locker]bool, depth int) ([]*Locker, bool) {
	if depth >= maxDeadlockDepth {
		return nil, false
	}
	wi := current.waitingFor.Load()
	if wi == nil {
		return nil, false
	}
	for _, holder := range wi.shard.holdersOf(wi.lock) {
		if holder == origin {
			return []*Locker{holder}, true
		}
		if visited[holder] {
			continue
		}
		visited[holder] = true
		if path, ok := d.walk(origin, holder, visited, depth+1); ok {
			return append([]*Locker{holder}, path...), true
		}
	}
	return nil, false
}

// holdersOf snapshots the current holders of l (the upgradable/exclusive
// owner, if any, plus every shared holder) under this shard's latch, held
// no longer than the snapshot itself requires.
func (s *LockShard) holdersOf(l *Lock) []*Locker {
	s.latch.AcquireExclusive(detectorCtx, 0)
	defer s.latch.ReleaseExclusive()

	var out []*Locker
	if l.owner != nil {
		out = append(out, l.owner)
	}
	for o := range l.sharedOwners {
		out = append(out, o)
	}
	return out
}
