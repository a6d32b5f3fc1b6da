package portregistry

import "errors"

// Sentinel errors for the Port Registry (spec.md §4.2, §7). Each is returned
// as the wrapped cause of a *coord.Error carrying the matching Kind.
var (
	// ErrNoPortAvailable is returned by AcquireOne/AcquireMany when every
	// candidate port in the configured range is either allocated or fails
	// the live bind probe.
	ErrNoPortAvailable = errors.New("no port available")

	// ErrQuotaExceeded is returned when the registry is at maxEntries even
	// after an opportunistic stale sweep.
	ErrQuotaExceeded = errors.New("port registry quota exceeded")

	// ErrInvalidRange is returned for an inverted or out-of-bounds port
	// range, an empty registry dir, or an AcquireMany count outside
	// 1..MaxPortsPerRequest. Privileged ports without the opt-in flag are
	// skipped as candidates rather than rejected with this error.
	ErrInvalidRange = errors.New("invalid port range")

	// ErrNotAllocated is returned by ReleaseOne when no entry holds the
	// given port. Idempotent callers should treat this as success.
	ErrNotAllocated = errors.New("port not allocated")

	// ErrNotOwner is returned by ReleaseOne (non-force) when the entry
	// names a different pid than the caller.
	ErrNotOwner = errors.New("caller does not own this port")

	// ErrNotEmpty is returned by Clear when active entries remain and
	// force was not set.
	ErrNotEmpty = errors.New("port registry is not empty")

	// ErrCorruptRegistry is returned when the registry JSON document
	// cannot be parsed.
	ErrCorruptRegistry = errors.New("corrupt port registry")
)
