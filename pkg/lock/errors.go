package lock

import "errors"

// Sentinel errors for the Lock Primitive (spec.md §4.1, §7). Each is returned
// as the wrapped cause of a *coord.Error carrying the matching Kind; match
// against the sentinel for a specific case or against coord.KindOf for the
// coarser taxonomy.
var (
	// ErrHeldByOther is returned by TryAcquire/Acquire when another live
	// holder currently owns the lock.
	ErrHeldByOther = errors.New("lock held by another process")

	// ErrTimeout is returned by Acquire when the deadline elapses before the
	// lock could be acquired.
	ErrTimeout = errors.New("acquire timed out")

	// ErrCancelled is returned by Acquire when its context is cancelled
	// before the lock could be acquired.
	ErrCancelled = errors.New("acquire cancelled")

	// ErrNotHeld is returned by Release/ForceRelease when no lock file
	// exists at the given path. Idempotent usage treats this as success.
	ErrNotHeld = errors.New("lock not held")

	// ErrNotOwner is returned by Release (non-force) when the on-disk record
	// names a different pid than the caller's.
	ErrNotOwner = errors.New("caller does not own this lock")

	// ErrInvalidPath is returned for an empty path, a path containing a NUL
	// byte, or a path that resolves outside a configured base directory.
	ErrInvalidPath = errors.New("invalid lock path")

	// ErrCorruptRecord is returned when an on-disk lock record cannot be
	// parsed (missing required keys, unparsable integers).
	ErrCorruptRecord = errors.New("corrupt lock record")
)
