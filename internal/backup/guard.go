//go:build unix

package backup

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// sessionGuard is the recording-session analogue of a wake lock: an exclusive
// flock on the backup directory that keeps a second process from starting a
// competing session while a long recording runs. Failing to take it is
// non-fatal; recording proceeds without the guard.
type sessionGuard struct {
	file *os.File
}

// AcquireGuard tries to take the session lock and returns a release func.
// The release func is always safe to call, also when acquisition failed.
func (l *Log) AcquireGuard() func() {
	file, err := os.OpenFile(filepath.Join(l.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.logger.Warn("session guard unavailable", "err", err)
		return func() {}
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		l.logger.Warn("session guard not acquired", "err", err)
		_ = file.Close()
		return func() {}
	}
	l.guard = &sessionGuard{file: file}
	return func() {
		if l.guard == nil {
			return
		}
		_ = unix.Flock(int(l.guard.file.Fd()), unix.LOCK_UN)
		_ = l.guard.file.Close()
		l.guard = nil
	}
}
