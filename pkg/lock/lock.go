// Package lock enforces a single running daemon instance per lock
// path using an advisory file lock.
package lock

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrHeld reports that another process holds the lock.
var ErrHeld = fmt.Errorf("lock: already held by another process")

// Lock is an acquired single-instance lock.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire takes the lock at path without blocking and writes the pid
// for diagnostics. ErrHeld is returned when another process owns it.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, path)
	}
	// Best effort; the flock itself is the real guard.
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
	return &Lock{fl: fl, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	return os.Remove(l.path)
}
