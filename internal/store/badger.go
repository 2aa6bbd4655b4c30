package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerKeySeparator = "/"

// BadgerBackend stores documents in an embedded BadgerDB under
// "<collection>/<id>" keys.
type BadgerBackend struct {
	db     *badger.DB
	logger zerolog.Logger
}

// NewBadgerBackend opens a BadgerDB directory.
func NewBadgerBackend(dir string, logger zerolog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &BadgerBackend{
		db:     db,
		logger: logger.With().Str("component", "badger_store").Logger(),
	}
	b.logger.Info().Str("dir", dir).Msg("catalog database initialized")
	return b, nil
}

func badgerKey(collection, id string) []byte {
	return []byte(collection + badgerKeySeparator + id)
}

// Load implements Backend.
func (b *BadgerBackend) Load(_ context.Context, collection string) (map[string][]byte, error) {
	docs := make(map[string][]byte)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(collection + badgerKeySeparator)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), string(prefix))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			docs[id] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

// Put implements Backend.
func (b *BadgerBackend) Put(_ context.Context, collection, id string, doc []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerKey(collection, id), doc); err != nil {
			return fmt.Errorf("set document: %w", err)
		}
		return nil
	})
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(_ context.Context, collection, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(badgerKey(collection, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// Ping implements Backend.
func (b *BadgerBackend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close implements Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
