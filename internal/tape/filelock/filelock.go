// Package filelock provides advisory flock(2)-based file locking, the same
// mechanism internal/datastore uses for snapshot directories and the GC
// coordinator, shared here for the tape subsystem's config and inventory
// files (§5: "exclusive lock file with bounded-wait acquisition").
package filelock

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock wraps an advisory flock(2) lock on a sentinel file.
type Lock struct {
	f *os.File
}

// ErrTimeout is returned by LockExclusiveTimeout when the bound elapses
// before the lock could be acquired.
var ErrTimeout = fmt.Errorf("filelock: timed out waiting for lock")

// LockExclusive blocks until an exclusive lock on path is acquired,
// creating the sentinel file if needed.
func LockExclusive(path string) (*Lock, error) {
	return lockBlocking(path, unix.LOCK_EX)
}

// LockShared blocks until a shared lock on path is acquired.
func LockShared(path string) (*Lock, error) {
	return lockBlocking(path, unix.LOCK_SH)
}

func lockBlocking(path string, how int) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// LockExclusiveTimeout retries a non-blocking exclusive lock attempt until
// it succeeds or timeout elapses, per §5's default 10s bounded wait for
// config-file locks.
func LockExclusiveTimeout(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filelock: open %s: %w", path, err)
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		f.Close()
		if err != unix.EWOULDBLOCK {
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases the lock and closes the sentinel file descriptor.
func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
