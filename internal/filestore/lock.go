package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Lock wraps an OS advisory file lock (flock/LockFileEx) over a sibling
// lockfile, matching the "exclusive file lock over a sibling lockfile"
// mutation protocol shared by the board, context bus, mailboxes, and the
// sub-task map.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock creates a lock handle for path. The lockfile itself is created
// lazily by the underlying flock implementation.
func NewLock(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// WithExclusive acquires an exclusive lock, runs fn, and always releases the
// lock afterward — even if fn panics or returns an error.
func (l *Lock) WithExclusive(ctx context.Context, fn func() error) error {
	if err := EnsureParentDir(l.path); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	locked, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("acquire lock %s: not locked", l.path)
	}
	defer func() { _ = l.fl.Unlock() }()
	return fn()
}

// WithShared acquires a shared (read) lock, runs fn, and always releases it.
func (l *Lock) WithShared(ctx context.Context, fn func() error) error {
	if err := EnsureParentDir(l.path); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	locked, err := l.fl.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire shared lock %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("acquire shared lock %s: not locked", l.path)
	}
	defer func() { _ = l.fl.Unlock() }()
	return fn()
}
