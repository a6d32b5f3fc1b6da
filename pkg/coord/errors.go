// Package coord defines the shared error taxonomy used by pkg/lock,
// pkg/portregistry, and pkg/snapshot.
//
// Every fallible operation in those packages returns a plain Go error that
// either is, or wraps, an *Error carrying one of the Kind values below, plus
// whatever structured fields the caller needs to act on the failure (a
// conflicting holder pid, a snapshot name, a port number) without parsing a
// message string. Package-level sentinel errors (lock.ErrHeldByOther,
// portregistry.ErrNoPortAvailable, snapshot.ErrCorrupt, ...) are carried as
// the wrapped cause of an *Error, so callers can match with errors.Is against
// the sentinel or, via KindOf, against the coarser taxonomy.
package coord

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec.md §7 describes it: a small,
// closed set of reasons, not an open-ended exception hierarchy.
type Kind int

const (
	// KindInvalidInput marks a caller-fixable argument error: empty path,
	// illegal name, out-of-range port, tag too long, inverted range. Never
	// retried.
	KindInvalidInput Kind = iota

	// KindConflict marks contention with another live holder or entry: a
	// lock held by someone else, a port already allocated, a snapshot that
	// already exists under a non-overwrite create.
	KindConflict

	// KindNotFound marks an operation against something that isn't there:
	// release of an unheld lock, release of an unallocated port, check of a
	// missing snapshot.
	KindNotFound

	// KindOwnership marks a non-force release attempted by a non-owner.
	KindOwnership

	// KindCorruption marks malformed on-disk state: an unparsable lock
	// record, invalid registry JSON, a snapshot header/hash mismatch.
	KindCorruption

	// KindTimeout marks a blocking acquire that exceeded its deadline.
	KindTimeout

	// KindIOError marks filesystem failures unrelated to the above:
	// permissions, out of space, rename failure, bind-probe failure.
	KindIOError

	// KindCancelled marks caller-initiated cancellation during a blocking
	// wait (context cancellation).
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindOwnership:
		return "ownership"
	case KindCorruption:
		return "corruption"
	case KindTimeout:
		return "timeout"
	case KindIOError:
		return "io_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the structured failure value every coordination operation returns
// on failure, directly or wrapped behind a package sentinel.
type Error struct {
	Kind   Kind
	Op     string // operation name, e.g. "lock.TryAcquire"
	Err    error  // wrapped cause, may be nil
	Fields map[string]any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with the given kind, operation name, and optional
// cause. fields is a variadic key/value list (field, value, field, value...);
// an odd-length list panics, which is acceptable since the caller is always
// this module's own code, never user input.
func New(kind Kind, op string, cause error, fields ...any) *Error {
	if len(fields)%2 != 0 {
		panic("coord.New: fields must be key/value pairs")
	}

	var m map[string]any
	if len(fields) > 0 {
		m = make(map[string]any, len(fields)/2)

		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				panic("coord.New: field key must be a string")
			}

			m[key] = fields[i+1]
		}
	}

	return &Error{Kind: kind, Op: op, Err: cause, Fields: m}
}

// KindOf reports the Kind carried by err, walking its Unwrap chain. The
// second return is false if neither err nor anything in its chain is a
// *Error - callers should then treat the error as an unclassified
// KindIOError for exit-code purposes, never as success.
func KindOf(err error) (Kind, bool) {
	var coordErr *Error
	if errors.As(err, &coordErr) {
		return coordErr.Kind, true
	}

	return KindIOError, false
}

// Field reads a structured field off err's *Error, if any.
func Field(err error, key string) (any, bool) {
	var coordErr *Error
	if !errors.As(err, &coordErr) || coordErr.Fields == nil {
		return nil, false
	}

	v, ok := coordErr.Fields[key]

	return v, ok
}
