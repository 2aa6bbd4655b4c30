// Package store provides the persisted catalogs backing the backup, offsite and
// disaster recovery services. Each catalog is held in memory and written
// through to a transactional backend one document at a time.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

// Collection names.
const (
	CollectionBackups      = "backups"
	CollectionBackupAlerts = "backup_alerts"
	CollectionBackupKeys   = "backup_keys"
	CollectionOffsite      = "offsite_records"
	CollectionPlans        = "dr_plans"
	CollectionExecutions   = "dr_executions"
	CollectionTests        = "dr_tests"
)

// Collections lists every collection the services use.
func Collections() []string {
	return []string{
		CollectionBackups,
		CollectionBackupAlerts,
		CollectionBackupKeys,
		CollectionOffsite,
		CollectionPlans,
		CollectionExecutions,
		CollectionTests,
	}
}

// Backend persists documents grouped by collection.
type Backend interface {
	// Load returns every document in the collection keyed by id.
	Load(ctx context.Context, collection string) (map[string][]byte, error)
	// Put inserts or replaces one document.
	Put(ctx context.Context, collection, id string, doc []byte) error
	// Delete removes one document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Ping checks the backend is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Entity is a catalog element. T is expected to be a pointer type.
type Entity[T any] interface {
	CatalogID() uuid.UUID
	Clone() T
}

// Catalog is an in-memory collection guarded by a reader/writer lock and
// written through to a Backend. Readers always receive clones.
type Catalog[T Entity[T]] struct {
	mu         sync.RWMutex
	collection string
	backend    Backend
	items      map[uuid.UUID]T
	logger     zerolog.Logger
}

// OpenCatalog loads a collection fully into memory.
func OpenCatalog[T Entity[T]](ctx context.Context, backend Backend, collection string, logger zerolog.Logger) (*Catalog[T], error) {
	docs, err := backend.Load(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}

	c := &Catalog[T]{
		collection: collection,
		backend:    backend,
		items:      make(map[uuid.UUID]T, len(docs)),
		logger:     logger.With().Str("component", "catalog").Str("collection", collection).Logger(),
	}

	for key, doc := range docs {
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, key, err)
		}
		c.items[item.CatalogID()] = item
	}

	c.logger.Debug().Int("documents", len(c.items)).Msg("catalog loaded")
	return c, nil
}

// Name returns the collection name.
func (c *Catalog[T]) Name() string {
	return c.collection
}

// Get returns a copy of the item with the given id.
func (c *Catalog[T]) Get(id uuid.UUID) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	return item.Clone(), true
}

// MustGet returns a copy of the item or a not-found error.
func (c *Catalog[T]) MustGet(id uuid.UUID) (T, error) {
	item, ok := c.Get(id)
	if !ok {
		return item, apperrors.Kind(apperrors.ErrNotFound, "%s: %s not found", c.collection, id)
	}
	return item, nil
}

// List returns copies of the items for which match returns true. A nil match
// returns everything.
func (c *Catalog[T]) List(match func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		if match == nil || match(item) {
			out = append(out, item.Clone())
		}
	}
	return out
}

// Len returns the number of items.
func (c *Catalog[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Put inserts or replaces an item. The backend write happens before the
// in-memory map changes so memory never runs ahead of durable state.
func (c *Catalog[T]) Put(ctx context.Context, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(ctx, item)
}

func (c *Catalog[T]) putLocked(ctx context.Context, item T) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.collection, item.CatalogID(), err)
	}
	if err := c.backend.Put(ctx, c.collection, item.CatalogID().String(), doc); err != nil {
		return apperrors.Transient(fmt.Sprintf("persist %s/%s", c.collection, item.CatalogID()), err)
	}
	c.items[item.CatalogID()] = item.Clone()
	return nil
}

// Update applies fn to a copy of the item and persists the result atomically
// with respect to other writers of this catalog.
func (c *Catalog[T]) Update(ctx context.Context, id uuid.UUID, fn func(T) error) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	current, ok := c.items[id]
	if !ok {
		return zero, apperrors.Kind(apperrors.ErrNotFound, "%s: %s not found", c.collection, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return zero, err
	}
	if err := c.putLocked(ctx, next); err != nil {
		return zero, err
	}
	return next.Clone(), nil
}

// Delete removes an item. It reports false when the item did not exist.
func (c *Catalog[T]) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; !ok {
		return false, nil
	}
	if err := c.backend.Delete(ctx, c.collection, id.String()); err != nil {
		return false, apperrors.Transient(fmt.Sprintf("delete %s/%s", c.collection, id), err)
	}
	delete(c.items, id)
	return true, nil
}
