package paths

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("paths: lock held by another process")

// Lock is an exclusive advisory flock on a file.
type Lock struct {
	path string
	f    *os.File
}

// lockAttempts bounds retries when the lock file is replaced under us.
const lockAttempts = 5

// TryLock takes an exclusive lock on path without blocking. The holder's
// pid is written to the file for diagnostics. The file is never deleted by
// this package; a lock taken on an inode that has since been unlinked or
// replaced is dropped and retried on the current file.
func TryLock(path string) (*Lock, error) {
	for i := 0; i < lockAttempts; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open lock %s: %w", path, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, ErrLocked
			}
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !isCurrent(f, path) {
			_ = f.Close()
			continue
		}
		return newLock(path, f), nil
	}
	return nil, fmt.Errorf("lock %s: file kept changing", path)
}

// isCurrent reports whether f is still the file named by path.
func isCurrent(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	cur, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, cur)
}

func newLock(path string, f *os.File) *Lock {
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, f: f}
}

// Release drops the lock and leaves the file in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
