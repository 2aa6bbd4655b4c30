package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

type testDoc struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Count int       `json:"count"`
	Tags  []string  `json:"tags"`
}

func (d *testDoc) CatalogID() uuid.UUID { return d.ID }

func (d *testDoc) Clone() *testDoc {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	return &c
}

func backends(t *testing.T) map[string]func() Backend {
	t.Helper()
	logger := zerolog.Nop()
	return map[string]func() Backend{
		"memory": func() Backend { return NewMemoryBackend() },
		"sqlite": func() Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "catalog.db"), logger)
			require.NoError(t, err)
			return b
		},
		"badger": func() Backend {
			b, err := NewBadgerBackend(t.TempDir(), logger)
			require.NoError(t, err)
			return b
		},
	}
}

func TestCatalogCRUD(t *testing.T) {
	ctx := context.Background()
	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			backend := newBackend()
			defer backend.Close()
			require.NoError(t, backend.Ping(ctx))

			cat, err := OpenCatalog[*testDoc](ctx, backend, "docs", zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, 0, cat.Len())

			doc := &testDoc{ID: uuid.New(), Name: "first", Tags: []string{"a"}}
			require.NoError(t, cat.Put(ctx, doc))

			got, ok := cat.Get(doc.ID)
			require.True(t, ok)
			assert.Equal(t, "first", got.Name)

			got.Tags[0] = "mutated"
			again, _ := cat.Get(doc.ID)
			assert.Equal(t, "a", again.Tags[0], "Get must return a copy")

			updated, err := cat.Update(ctx, doc.ID, func(d *testDoc) error {
				d.Count++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, updated.Count)

			// Reopen from the same backend to prove write-through.
			reopened, err := OpenCatalog[*testDoc](ctx, backend, "docs", zerolog.Nop())
			require.NoError(t, err)
			persisted, ok := reopened.Get(doc.ID)
			require.True(t, ok)
			assert.Equal(t, 1, persisted.Count)

			deleted, err := cat.Delete(ctx, doc.ID)
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = cat.Delete(ctx, doc.ID)
			require.NoError(t, err)
			assert.False(t, deleted)

			reopened, err = OpenCatalog[*testDoc](ctx, backend, "docs", zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, 0, reopened.Len())
		})
	}
}

func TestCatalogCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	a, err := OpenCatalog[*testDoc](ctx, backend, "a", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, &testDoc{ID: uuid.New()}))

	b, err := OpenCatalog[*testDoc](ctx, backend, "b", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestCatalogUpdateMissing(t *testing.T) {
	cat, err := OpenCatalog[*testDoc](context.Background(), NewMemoryBackend(), "docs", zerolog.Nop())
	require.NoError(t, err)

	_, err = cat.Update(context.Background(), uuid.New(), func(*testDoc) error { return nil })
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = cat.MustGet(uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCatalogUpdateErrorLeavesItemUnchanged(t *testing.T) {
	ctx := context.Background()
	cat, err := OpenCatalog[*testDoc](ctx, NewMemoryBackend(), "docs", zerolog.Nop())
	require.NoError(t, err)

	doc := &testDoc{ID: uuid.New(), Name: "orig"}
	require.NoError(t, cat.Put(ctx, doc))

	boom := errors.New("boom")
	_, err = cat.Update(ctx, doc.ID, func(d *testDoc) error {
		d.Name = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := cat.Get(doc.ID)
	assert.Equal(t, "orig", got.Name)
}

func TestCatalogConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	cat, err := OpenCatalog[*testDoc](ctx, NewMemoryBackend(), "docs", zerolog.Nop())
	require.NoError(t, err)

	doc := &testDoc{ID: uuid.New()}
	require.NoError(t, cat.Put(ctx, doc))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cat.Update(ctx, doc.ID, func(d *testDoc) error {
				d.Count++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := cat.Get(doc.ID)
	assert.Equal(t, 50, got.Count)
}

func TestCatalogList(t *testing.T) {
	ctx := context.Background()
	cat, err := OpenCatalog[*testDoc](ctx, NewMemoryBackend(), "docs", zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, cat.Put(ctx, &testDoc{ID: uuid.New(), Count: i}))
	}

	assert.Len(t, cat.List(nil), 5)
	even := cat.List(func(d *testDoc) bool { return d.Count%2 == 0 })
	assert.Len(t, even, 3)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrPolicy)
}
