package datastore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock wraps an advisory flock(2) lock on a sentinel file, used for
// per-snapshot-directory locking (shared for readers, exclusive for
// creators/finishers/deleters) and for the datastore-wide GC-vs-writers
// coordinator (§5).
type FileLock struct {
	f         *os.File
	exclusive bool
}

// LockShared blocks until a shared lock on path is acquired, creating the
// sentinel file if needed.
func LockShared(path string) (*FileLock, error) {
	return lock(path, unix.LOCK_SH, true)
}

// LockExclusive blocks until an exclusive lock on path is acquired.
func LockExclusive(path string) (*FileLock, error) {
	return lock(path, unix.LOCK_EX, true)
}

// LockExclusiveNoBlock attempts to acquire an exclusive lock without
// blocking, returning ErrWouldBlock if another holder is present.
func LockExclusiveNoBlock(path string) (*FileLock, error) {
	return lock(path, unix.LOCK_EX|unix.LOCK_NB, false)
}

var ErrWouldBlock = fmt.Errorf("datastore: lock held by another process")

func lock(path string, how int, block bool) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("datastore: open lock sentinel: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		if !block && err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("datastore: flock: %w", err)
	}
	return &FileLock{f: f, exclusive: how&unix.LOCK_EX != 0}, nil
}

// Unlock releases the lock and closes the sentinel file descriptor.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
