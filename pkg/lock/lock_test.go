package lock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuulbelt/coordcore/pkg/coord"
	"github.com/tuulbelt/coordcore/pkg/fs"
	"github.com/tuulbelt/coordcore/pkg/lock"
)

func newPrimitive(t *testing.T) (*lock.Primitive, string) {
	t.Helper()

	dir := t.TempDir()
	p := lock.New(fs.NewReal(), lock.DefaultOptions())

	return p, filepath.Join(dir, "job.lock")
}

func TestTryAcquire_SucceedsOnUnheldPath(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	status, err := p.TryAcquire(path, "build")
	require.NoError(t, err)
	require.True(t, status.Locked)
	require.True(t, status.OwnedByCaller)
	require.Equal(t, uint64(os.Getpid()), status.Holder.PID)
	require.Equal(t, "build", status.Holder.Tag)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "pid=")
	require.Contains(t, string(data), "tag=build")
}

func TestTryAcquire_ReturnsConflictWhenAlreadyHeldByLiveProcess(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	_, err := p.TryAcquire(path, "first")
	require.NoError(t, err)

	_, err = p.TryAcquire(path, "second")
	require.Error(t, err)
	require.ErrorIs(t, err, lock.ErrHeldByOther)

	kind, ok := coord.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coord.KindConflict, kind)
}

func TestTryAcquire_ReclaimsLockHeldByDeadProcess(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	stale := lock.Record{PID: deadPID(t), AcquiredAt: time.Now().Unix(), Tag: "orphan"}
	require.NoError(t, os.WriteFile(path, stale.Marshal(), 0o600))

	status, err := p.TryAcquire(path, "reclaimer")
	require.NoError(t, err)
	require.True(t, status.Locked)
	require.Equal(t, "reclaimer", status.Holder.Tag)
}

func TestTryAcquire_ReclaimsLockOlderThanStaleTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.lock")

	timeout := 10 * time.Millisecond
	p := lock.New(fs.NewReal(), lock.Options{StaleTimeout: &timeout, RetryInterval: time.Millisecond})

	old := lock.Record{PID: uint64(os.Getpid()), AcquiredAt: time.Now().Add(-time.Hour).Unix(), Tag: "ancient"}
	require.NoError(t, os.WriteFile(path, old.Marshal(), 0o600))

	status, err := p.TryAcquire(path, "fresh")
	require.NoError(t, err)
	require.Equal(t, "fresh", status.Holder.Tag)
}

func TestTryAcquire_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	p, _ := newPrimitive(t)

	_, err := p.TryAcquire("", "x")
	require.ErrorIs(t, err, lock.ErrInvalidPath)
}

func TestTryAcquire_RejectsPathEscapingBaseDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	p := lock.New(fs.NewReal(), lock.Options{BaseDir: base})

	_, err := p.TryAcquire(filepath.Join(base, "..", "outside.lock"), "x")
	require.ErrorIs(t, err, lock.ErrInvalidPath)
}

func TestAcquire_TimesOutWhenContended(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.lock")

	p := lock.New(fs.NewReal(), lock.Options{RetryInterval: 5 * time.Millisecond})

	_, err := p.TryAcquire(path, "holder")
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), path, "waiter", 30*time.Millisecond)
	require.ErrorIs(t, err, lock.ErrTimeout)
}

func TestAcquire_SucceedsOnceHeldLockIsReleased(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.lock")

	p := lock.New(fs.NewReal(), lock.Options{RetryInterval: 5 * time.Millisecond})

	_, err := p.TryAcquire(path, "holder")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, p.Release(path, uint64(os.Getpid()), true))
	}()

	status, err := p.Acquire(context.Background(), path, "waiter", time.Second)
	require.NoError(t, err)
	require.True(t, status.Locked)
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.lock")

	p := lock.New(fs.NewReal(), lock.Options{RetryInterval: 5 * time.Millisecond})

	_, err := p.TryAcquire(path, "holder")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, path, "waiter", time.Second)
	require.ErrorIs(t, err, lock.ErrCancelled)
}

func TestRelease_IsIdempotentOnMissingLock(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	err := p.Release(path, uint64(os.Getpid()), false)
	require.ErrorIs(t, err, lock.ErrNotHeld)
}

func TestRelease_RejectsNonOwnerWithoutForce(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	_, err := p.TryAcquire(path, "owner")
	require.NoError(t, err)

	err = p.Release(path, uint64(os.Getpid())+1, false)
	require.ErrorIs(t, err, lock.ErrNotOwner)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "lock must remain after a rejected release")
}

func TestForceRelease_RemovesLockRegardlessOfOwner(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	_, err := p.TryAcquire(path, "owner")
	require.NoError(t, err)

	err = p.ForceRelease(path, uint64(os.Getpid())+1)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestGetStatus_ReportsUnlockedForMissingPath(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	status, err := p.GetStatus(path)
	require.NoError(t, err)
	require.False(t, status.Locked)
}

func TestGetStatus_ReportsStaleForDeadHolder(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	stale := lock.Record{PID: deadPID(t), AcquiredAt: time.Now().Unix()}
	require.NoError(t, os.WriteFile(path, stale.Marshal(), 0o600))

	status, err := p.GetStatus(path)
	require.NoError(t, err)
	require.True(t, status.Locked)
	require.True(t, status.IsStale)
	require.False(t, status.OwnedByCaller)
}

func TestGetStatus_ReturnsCorruptionForUnparsableRecord(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not a valid record"), 0o600))

	_, err := p.GetStatus(path)
	require.Error(t, err)

	kind, ok := coord.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coord.KindCorruption, kind)
}

func TestCleanStale_RemovesOnlyStaleLocks(t *testing.T) {
	t.Parallel()

	p, path := newPrimitive(t)

	_, err := p.TryAcquire(path, "alive")
	require.NoError(t, err)

	removed, err := p.CleanStale(path)
	require.NoError(t, err)
	require.False(t, removed, "a lock held by a live process must not be cleaned")

	require.NoError(t, p.ForceRelease(path, uint64(os.Getpid())))

	stale := lock.Record{PID: deadPID(t), AcquiredAt: time.Now().Unix()}
	require.NoError(t, os.WriteFile(path, stale.Marshal(), 0o600))

	removed, err = p.CleanStale(path)
	require.NoError(t, err)
	require.True(t, removed)

	_, statErr := os.Stat(path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

// deadPID returns a pid almost certainly not in use: spawn and immediately
// reap a child process.
func deadPID(t *testing.T) uint64 {
	t.Helper()

	proc, err := os.StartProcess("/bin/true", []string{"/bin/true"}, &os.ProcAttr{})
	require.NoError(t, err)

	state, err := proc.Wait()
	require.NoError(t, err)
	require.True(t, state.Exited())

	return uint64(proc.Pid)
}
