// Package lock implements the Lock Primitive: a named, exclusive,
// crash-safe mutex over a filesystem path (spec.md §4.1).
//
// A lock's existence is the lock; its contents identify the holder. The
// on-disk record format (spec.md §6.1) is a small, newline-terminated
// key=value text file, chosen specifically so any language implementation
// can create, read, and classify the same lock file.
package lock

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/fs"
)

const (
	filePerm = 0o600
	dirPerm  = 0o755

	// DefaultRetryInterval is how often Acquire polls TryAcquire while
	// waiting for a contended lock.
	DefaultRetryInterval = 100 * time.Millisecond

	// DefaultStaleTimeout is the age after which a lock record is
	// considered stale even if its holder process is still alive.
	DefaultStaleTimeout = time.Hour
)

// Options configures a Primitive.
type Options struct {
	// StaleTimeout is the age after which a lock is considered stale
	// regardless of holder liveness. nil disables age-based staleness
	// entirely (only holder-death is checked). Default: [DefaultStaleTimeout].
	StaleTimeout *time.Duration

	// RetryInterval is how often Acquire polls while waiting. Default:
	// [DefaultRetryInterval].
	RetryInterval time.Duration

	// BaseDir, if non-empty, confines every path passed to this Primitive:
	// a path whose resolved form escapes BaseDir is rejected as invalid.
	BaseDir string
}

// DefaultOptions returns the spec.md §6.5 defaults.
func DefaultOptions() Options {
	staleTimeout := DefaultStaleTimeout

	return Options{
		StaleTimeout:  &staleTimeout,
		RetryInterval: DefaultRetryInterval,
	}
}

// Primitive implements the Lock Primitive over a given [fs.FS].
//
// Holds no mutable state beyond its dependencies; safe for concurrent use by
// multiple goroutines coordinating different lock paths. Two Primitive
// instances (even in the same process) coordinate correctly over the same
// path, exactly as two independent processes would.
type Primitive struct {
	fs   fs.FS
	opts Options
}

// New creates a Primitive backed by fsys. Panics if fsys is nil.
func New(fsys fs.FS, opts Options) *Primitive {
	if fsys == nil {
		panic("fs is nil")
	}

	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	return &Primitive{fs: fsys, opts: opts}
}

// Status reports the current state of the lock at path without mutating
// anything.
type Status struct {
	Locked        bool
	Holder        Record
	IsStale       bool
	OwnedByCaller bool
}

// TryAcquire attempts to claim path for the calling process. It never
// blocks: contention is reported as ErrHeldByOther, not waited out.
//
// On success the lock file is created and its record written; the caller
// must eventually call Release (or ForceRelease) to free it.
func (p *Primitive) TryAcquire(path string, tag string) (Status, error) {
	resolved, err := p.validatePath(path)
	if err != nil {
		return Status{}, err
	}

	return p.tryAcquireResolved(resolved, tag, true)
}

func (p *Primitive) tryAcquireResolved(path string, tag string, allowStaleRetry bool) (Status, error) {
	dir := filepath.Dir(path)
	if err := p.fs.MkdirAll(dir, dirPerm); err != nil {
		return Status{}, coord.New(coord.KindIOError, "lock.TryAcquire", err, "path", path)
	}

	f, err := p.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		if !os.IsExist(err) {
			return Status{}, coord.New(coord.KindIOError, "lock.TryAcquire", err, "path", path)
		}

		return p.handleExisting(path, allowStaleRetry, tag)
	}

	_ = f.Close()

	rec := Record{PID: uint64(os.Getpid()), AcquiredAt: time.Now().Unix(), Tag: tag}

	writer := fs.NewAtomicWriter(p.fs)

	writeErr := writer.Write(path, bytes.NewReader(rec.Marshal()), fs.AtomicWriteOptions{SyncDir: true, Perm: filePerm})
	if writeErr != nil {
		_ = fs.RemoveIfExists(p.fs, path)

		return Status{}, coord.New(coord.KindIOError, "lock.TryAcquire", writeErr, "path", path)
	}

	return Status{Locked: true, Holder: rec, OwnedByCaller: true}, nil
}

// handleExisting classifies an already-present lock file after a failed
// exclusive create. If it is stale, it is atomically removed and the
// exclusive create is retried exactly once - the retry may still lose to a
// concurrent acquirer, which is correct (spec.md §4.1).
func (p *Primitive) handleExisting(path string, allowStaleRetry bool, tag string) (Status, error) {
	data, err := p.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with a concurrent release; caller should just retry.
			return Status{}, coord.New(coord.KindConflict, "lock.TryAcquire", ErrHeldByOther, "path", path)
		}

		return Status{}, coord.New(coord.KindIOError, "lock.TryAcquire", err, "path", path)
	}

	rec, parseErr := ParseRecord(data)
	if parseErr != nil {
		return Status{}, coord.New(coord.KindCorruption, "lock.TryAcquire", parseErr, "path", path)
	}

	stale := p.classifyStale(rec)

	if stale && allowStaleRetry {
		_ = fs.RemoveIfExists(p.fs, path)

		return p.tryAcquireResolved(path, tag, false)
	}

	return Status{}, coord.New(coord.KindConflict, "lock.TryAcquire", ErrHeldByOther, "path", path, "holder_pid", rec.PID)
}

// Acquire repeatedly calls TryAcquire at opts.RetryInterval until success,
// ctx cancellation, or timeout elapses. timeout == 0 reduces to a single
// TryAcquire call (spec.md §8 boundary behavior).
func (p *Primitive) Acquire(ctx context.Context, path string, tag string, timeout time.Duration) (Status, error) {
	if timeout <= 0 {
		return p.TryAcquire(path, tag)
	}

	resolved, err := p.validatePath(path)
	if err != nil {
		return Status{}, err
	}

	deadline := time.Now().Add(timeout)

	for {
		status, err := p.tryAcquireResolved(resolved, tag, true)
		if err == nil {
			return status, nil
		}

		kind, _ := coord.KindOf(err)
		if kind != coord.KindConflict {
			return Status{}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Status{}, coord.New(coord.KindTimeout, "lock.Acquire", ErrTimeout, "path", resolved)
		}

		wait := p.opts.RetryInterval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return Status{}, coord.New(coord.KindCancelled, "lock.Acquire", ErrCancelled, "path", resolved)
		case <-time.After(wait):
		}
	}
}

// Release frees the lock at path. Unless force is set, it verifies the
// on-disk record names callerPID; a mismatch returns ErrNotOwner. A missing
// lock file returns ErrNotHeld, which idempotent callers should treat as
// success (spec.md §8 "Idempotent release").
func (p *Primitive) Release(path string, callerPID uint64, force bool) error {
	resolved, err := p.validatePath(path)
	if err != nil {
		return err
	}

	data, err := p.fs.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return coord.New(coord.KindNotFound, "lock.Release", ErrNotHeld, "path", resolved)
		}

		return coord.New(coord.KindIOError, "lock.Release", err, "path", resolved)
	}

	if !force {
		rec, parseErr := ParseRecord(data)
		if parseErr != nil {
			return coord.New(coord.KindCorruption, "lock.Release", parseErr, "path", resolved)
		}

		if rec.PID != callerPID {
			return coord.New(coord.KindOwnership, "lock.Release", ErrNotOwner, "path", resolved, "holder_pid", rec.PID)
		}
	} else {
		// Overwrite identity before removal so a concurrent reader never
		// observes a lock record for a holder that no longer considers
		// itself the owner (spec.md §3 lifecycle).
		forced := Record{PID: callerPID, AcquiredAt: time.Now().Unix(), Tag: "force-released"}
		writer := fs.NewAtomicWriter(p.fs)
		_ = writer.Write(resolved, bytes.NewReader(forced.Marshal()), fs.AtomicWriteOptions{SyncDir: true, Perm: filePerm})
	}

	if err := p.fs.Remove(resolved); err != nil {
		if os.IsNotExist(err) {
			return coord.New(coord.KindNotFound, "lock.Release", ErrNotHeld, "path", resolved)
		}

		return coord.New(coord.KindIOError, "lock.Release", err, "path", resolved)
	}

	return nil
}

// ForceRelease removes the lock at path regardless of recorded ownership.
func (p *Primitive) ForceRelease(path string, callerPID uint64) error {
	return p.Release(path, callerPID, true)
}

// GetStatus performs a non-destructive read of the lock at path.
func (p *Primitive) GetStatus(path string) (Status, error) {
	resolved, err := p.validatePath(path)
	if err != nil {
		return Status{}, err
	}

	data, err := p.fs.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Locked: false}, nil
		}

		return Status{}, coord.New(coord.KindIOError, "lock.Status", err, "path", resolved)
	}

	rec, parseErr := ParseRecord(data)
	if parseErr != nil {
		return Status{}, coord.New(coord.KindCorruption, "lock.Status", parseErr, "path", resolved)
	}

	return Status{
		Locked:        true,
		Holder:        rec,
		IsStale:       p.classifyStale(rec),
		OwnedByCaller: rec.PID == uint64(os.Getpid()),
	}, nil
}

// CleanStale removes the lock at path if and only if it is classified
// stale. Returns whether it removed anything.
func (p *Primitive) CleanStale(path string) (bool, error) {
	resolved, err := p.validatePath(path)
	if err != nil {
		return false, err
	}

	data, err := p.fs.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, coord.New(coord.KindIOError, "lock.CleanStale", err, "path", resolved)
	}

	rec, parseErr := ParseRecord(data)
	if parseErr != nil {
		return false, coord.New(coord.KindCorruption, "lock.CleanStale", parseErr, "path", resolved)
	}

	if !p.classifyStale(rec) {
		return false, nil
	}

	if err := fs.RemoveIfExists(p.fs, resolved); err != nil {
		return false, coord.New(coord.KindIOError, "lock.CleanStale", err, "path", resolved)
	}

	return true, nil
}

func (p *Primitive) classifyStale(rec Record) bool {
	if !IsProcessAlive(rec.PID) {
		return true
	}

	if p.opts.StaleTimeout != nil {
		age := time.Since(time.Unix(rec.AcquiredAt, 0))
		if age > *p.opts.StaleTimeout {
			return true
		}
	}

	return false
}

// validatePath rejects empty paths, NUL bytes, and - when opts.BaseDir is
// set - any path whose resolved form escapes it. The directory portion is
// resolved through any symlinks so a symlink swapped in after validation but
// before exclusive creation can't redirect the lock to an unintended file.
func (p *Primitive) validatePath(path string) (string, error) {
	if path == "" {
		return "", coord.New(coord.KindInvalidInput, "lock.validatePath", ErrInvalidPath)
	}

	if strings.ContainsRune(path, 0) {
		return "", coord.New(coord.KindInvalidInput, "lock.validatePath", ErrInvalidPath, "reason", "embedded NUL")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedDir = filepath.Clean(dir)
		} else {
			return "", coord.New(coord.KindIOError, "lock.validatePath", err)
		}
	}

	resolved := filepath.Join(resolvedDir, base)

	if p.opts.BaseDir != "" {
		base, err := filepath.Abs(p.opts.BaseDir)
		if err != nil {
			return "", coord.New(coord.KindIOError, "lock.validatePath", err)
		}

		rel, err := filepath.Rel(base, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", coord.New(coord.KindInvalidInput, "lock.validatePath", ErrInvalidPath,
				"reason", fmt.Sprintf("path escapes base dir %q", p.opts.BaseDir))
		}
	}

	return resolved, nil
}
