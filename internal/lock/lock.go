// Package lock provides the fail-fast mutual exclusion guards used to keep two
// backups of the same type, or two executions of the same plan, from running
// at once.
package lock

import (
	"context"
	"sync"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

// ErrHeld is returned when a key is already held.
var ErrHeld = apperrors.Kind(apperrors.ErrConflict, "lock already held")

// Release frees a held key. It is safe to call more than once.
type Release func()

// Locker grants exclusive ownership of a key without blocking.
type Locker interface {
	// TryAcquire returns ErrHeld if key is already held.
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently held.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
