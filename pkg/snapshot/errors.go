package snapshot

import "errors"

// Sentinel errors for the Snapshot Store (spec.md §4.3, §7).
var (
	// ErrAlreadyExists is returned by Create when overwrite is false and an
	// artifact with the name already exists.
	ErrAlreadyExists = errors.New("snapshot already exists")

	// ErrInvalidName is returned for an empty name, a name containing a
	// path separator, "..", a NUL byte, a leading ".", or one that resolves
	// outside the store's base directory.
	ErrInvalidName = errors.New("invalid snapshot name")

	// ErrNotFound is returned by Check/Update/Delete for an absent snapshot.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupt is returned when a snapshot's header is malformed or its
	// declared hash does not match its content region.
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrMismatch is returned by Check when candidate content differs from
	// the stored snapshot. Callers inspect the accompanying Diff.
	ErrMismatch = errors.New("snapshot mismatch")
)
