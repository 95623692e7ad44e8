package keylock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors satisfying the taxonomy in the external interface: every
// failure mode is a plain Go error, inspectable with errors.Is, rather than
// an exception hierarchy.
var (
	// ErrLockTimeout is returned when a lock wait exceeds its deadline
	// without the detector finding a deadlock.
	ErrLockTimeout = errors.New("keylock: lock request timed out")

	// ErrLockInterrupted is returned when a blocked caller's context is
	// cancelled before the lock is granted.
	ErrLockInterrupted = errors.New("keylock: lock wait interrupted")

	// ErrIllegalUpgrade is returned when a shared holder requests
	// upgradable mode and the shard's UpgradeRule forbids it.
	ErrIllegalUpgrade = errors.New("keylock: illegal upgrade under current rule")

	// ErrLockFailure is a generic failure; the unlockLast-family operations
	// return it when the Locker's stack is empty.
	ErrLockFailure = errors.New("keylock: lock manager failure")

	// ErrNotImmediateUpgrade is returned by UnlockLast when the top of the
	// stack is an upgrade of an already-held lock; releasing it directly
	// would also drop the weaker hold it was promoted from, so it is
	// rejected instead.
	ErrNotImmediateUpgrade = errors.New("keylock: cannot unlock non-immediate upgrade")

	// ErrScopeMismatch is returned when an unlock-family call targets a
	// lock that was acquired in an enclosing scope rather than the
	// current one. The reference implementation leaves this undefined;
	// this package treats it as an explicit error.
	ErrScopeMismatch = errors.New("keylock: lock was not acquired in the current scope")
)

// LockerID names a Locker for diagnostics (deadlock participant lists,
// logging) without forcing callers to expose the full *Locker type.
type LockerID uint64

// DeadlockError is raised when the detector proves a wait-for cycle
// involving the timed-out Locker.
type DeadlockError struct {
	Timeout      time.Duration
	Guilty       LockerID
	Participants []LockerID
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("keylock: deadlock detected after %s (guilty=%d, participants=%v)",
		e.Timeout, e.Guilty, e.Participants)
}

func (e *DeadlockError) Unwrap() error { return ErrLockTimeout }

// LockTimeoutError carries the timeout duration that elapsed; it wraps
// ErrLockTimeout so errors.Is(err, ErrLockTimeout) still works.
type LockTimeoutError struct {
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("keylock: lock request timed out after %s", e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }
