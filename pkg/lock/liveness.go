package lock

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsProcessAlive reports whether pid names a live process, without sending it
// a real signal. It probes with signal 0 (unix.Kill(pid, 0)), which the
// kernel treats purely as a permission/existence check - no signal is
// actually delivered.
//
// ESRCH means the process is gone. EPERM means it exists but we lack
// permission to signal it - that's still "alive" for staleness purposes,
// since a crashed holder can't hold a permission-denied pid.
func IsProcessAlive(pid uint64) bool {
	if pid == 0 || pid > 1<<31-1 {
		return false
	}

	err := unix.Kill(int(pid), unix.Signal(0))
	if err == nil {
		return true
	}

	if errors.Is(err, syscall.ESRCH) {
		return false
	}

	return true
}
