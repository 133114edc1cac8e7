// Package runlock provides a cross-process exclusive lock scoped to one
// redeploy cycle. It is an advisory flock on a lock file, so overlapping
// invocations from cron, systemd timers and interactive shells all contend
// on the same lock.
package runlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when the lock is already held by another process
// and waiting was not requested.
var ErrHeld = errors.New("runlock: already held")

// Lock is an exclusive advisory file lock.
type Lock struct {
	fl *flock.Flock
}

// New creates a lock handle for path. The file (and parent directory) are
// created on first acquire; the file is never removed, only unlocked.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// TryAcquire attempts to take the lock without blocking.
// Returns ErrHeld when another process holds it.
func (l *Lock) TryAcquire() error {
	if err := ensureDir(l.fl.Path()); err != nil {
		return err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Acquire blocks until the lock is taken or ctx is done, polling at the
// given interval. interval <= 0 defaults to 250ms.
func (l *Lock) Acquire(ctx context.Context, interval time.Duration) error {
	if err := ensureDir(l.fl.Path()); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ok, err := l.fl.TryLockContext(ctx, interval)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release unlocks. Safe to call when not held.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
