package cache

import (
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is a persistent Store on BadgerDB. Entry TTLs are enforced by
// Badger itself.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens or creates a store in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dir))
}

// OpenInMemoryBadgerStore opens a Badger store that lives only in memory.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		if result == nil && err == nil {
			result = []byte{}
		}
		return err
	})
	return result, err
}

func (s *BadgerStore) Set(key string, value []byte, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(key), slices.Clone(value))
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Clear() error {
	return s.db.DropAll()
}

func (s *BadgerStore) Exists(key string) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	return err == nil
}

func (s *BadgerStore) List() []string {
	var keys []string
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
