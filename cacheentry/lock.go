package cacheentry

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is the named inter-process advisory lock scoped to a single
// (url, version) cache entry, per spec.md §3. It is acquired for the
// duration of any mutating operation on the artifact or its sidecar.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock returns a Lock for the sidecar/artifact pair rooted at
// cacheKeyPath; the actual lock file lives at cacheKeyPath + ".lock",
// a sibling path as required by spec.md §6.
func NewLock(cacheKeyPath string) *Lock {
	return &Lock{
		path: cacheKeyPath + ".lock",
		fl:   flock.New(cacheKeyPath + ".lock"),
	}
}

// Acquire blocks until the lock is held by this process.
func (l *Lock) Acquire() error {
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("acquiring cache entry lock %s: %w", l.path, err)
	}
	return nil
}

// Release drops the lock. It is safe to call even if Acquire failed.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing cache entry lock %s: %w", l.path, err)
	}
	return nil
}
