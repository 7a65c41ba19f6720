// Package lock provides the mutual exclusion that keeps a single collection
// run in flight, in process or across replicas.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another owner holds the lock.
var ErrHeld = errors.New("lock is held by another owner")

// ErrNotOwner is returned when releasing a lock the caller does not hold.
var ErrNotOwner = errors.New("lock is not held by this owner")

// Locker grants a named lock to one owner at a time.
type Locker interface {
	TryLock(ctx context.Context, owner string) error
	Unlock(ctx context.Context, owner string) error
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	owner string
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{}
}

// TryLock acquires the lock for owner or returns ErrHeld.
func (l *Local) TryLock(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" {
		return ErrHeld
	}
	l.owner = owner
	return nil
}

// Unlock releases the lock if owner holds it.
func (l *Local) Unlock(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		return ErrNotOwner
	}
	l.owner = ""
	return nil
}
