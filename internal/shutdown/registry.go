package shutdown

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

// ErrNotAccepting is returned by Register once shutdown has begun.
var ErrNotAccepting = apperrors.Kind(apperrors.ErrPolicy, "not accepting new operations: shutting down")

// Operation describes a registered in-flight operation.
type Operation struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	op     Operation
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks in-flight operations (backup captures, offsite transfers,
// recovery executions) so they can be cancelled one at a time or all at once.
type Registry struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	running map[uuid.UUID]*entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "operation_registry").Logger(),
		running: make(map[uuid.UUID]*entry),
	}
}

// Register records an operation and returns a context that is cancelled when
// the operation is cancelled, plus a done func the caller must invoke when it
// finishes. A nil registry hands back the parent context unchanged.
func (r *Registry) Register(ctx context.Context, kind string, id uuid.UUID) (context.Context, func(), error) {
	if r == nil {
		return ctx, func() {}, nil
	}
	opCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		op:     Operation{ID: id, Kind: kind, StartedAt: time.Now().UTC()},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, nil, ErrNotAccepting
	}
	if _, exists := r.running[id]; exists {
		r.mu.Unlock()
		cancel()
		return nil, nil, apperrors.Kind(apperrors.ErrConflict, "operation %s already registered", id)
	}
	r.running[id] = e
	r.mu.Unlock()

	r.logger.Debug().Str("operation_id", id.String()).Str("kind", kind).Msg("operation registered")

	var once sync.Once
	finish := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.running, id)
			r.mu.Unlock()
			cancel()
			close(e.done)
			r.logger.Debug().Str("operation_id", id.String()).Msg("operation finished")
		})
	}
	return opCtx, finish, nil
}

// Cancel cancels a single operation. It reports whether the operation was
// registered.
func (r *Registry) Cancel(id uuid.UUID) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	e, ok := r.running[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.cancel()
	r.logger.Info().Str("operation_id", id.String()).Str("kind", e.op.Kind).Msg("operation cancelled")
	return true
}

// CancelAll cancels every registered operation and returns how many there were.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.running {
		e.cancel()
	}
	return len(r.running)
}

// Wait blocks until the operation finishes or ctx ends.
func (r *Registry) Wait(ctx context.Context, id uuid.UUID) error {
	r.mu.RLock()
	e, ok := r.running[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Accepting reports whether new operations may register.
func (r *Registry) Accepting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Running returns the registered operations, oldest first.
func (r *Registry) Running() []Operation {
	r.mu.RLock()
	ops := make([]Operation, 0, len(r.running))
	for _, e := range r.running {
		ops = append(ops, e.op)
	}
	r.mu.RUnlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.Before(ops[j].StartedAt) })
	return ops
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running)
}
