// Package keyValStore wraps the badger key-value backend used by both the
// content store and the replica store. It provides atomic per-record
// writes, prefix iteration and value-log housekeeping.
package keyValStore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// ErrKeyNotFound is returned by Read when no value exists for the key.
var ErrKeyNotFound = badger.ErrKeyNotFound

type StoreConfig struct {
	Path             string
	MinimumFreeGB    int
	Logger           *logrus.Logger
	InMemory         bool // used by tests and the example command
	ValueLogFileSize int64
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if config.ValueLogFileSize == 0 {
		config.ValueLogFileSize = 1024 * 1024 * 100
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if config.Path == "" {
			return nil, fmt.Errorf("keyValStore: no path configured")
		}
		if err := checkFreeSpace(config.Path, config.MinimumFreeGB); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = config.ValueLogFileSize
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keyValStore: open badger: %w", err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// WriteBatch writes multiple key-value pairs in one transaction.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing batch of %d keys: %w", len(batch), err)
	}
	return nil
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return value, nil
}

func (k *KeyValStore) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	found := false
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err == nil {
			found = true
		}
		return err
	})
	return found, err
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("error deleting key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// IterateItem is one key-value pair produced by prefix iteration.
type IterateItem struct {
	Key   []byte
	Value []byte
}

// IteratePrefix walks all keys with the given prefix in lexicographic
// order and calls fn for each. Returning a non-nil error from fn stops the
// iteration; ErrStopIteration stops it without error.
func (k *KeyValStore) IteratePrefix(prefix []byte, fn func(item IterateItem) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(IterateItem{Key: key, Value: value}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrStopIteration {
		return nil
	}
	return err
}

// ErrStopIteration stops IteratePrefix early without reporting an error.
var ErrStopIteration = fmt.Errorf("stop iteration")

// GetItemsWithPrefix returns all keys and values with the given prefix.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([]IterateItem, error) {
	var items []IterateItem
	err := k.IteratePrefix(prefix, func(item IterateItem) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteWithPrefix removes every key with the given prefix and returns how
// many were deleted.
func (k *KeyValStore) DeleteWithPrefix(prefix []byte) (int, error) {
	var keys [][]byte
	err := k.IteratePrefix(prefix, func(item IterateItem) error {
		keys = append(keys, bytes.Clone(item.Key))
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			atomic.AddUint64(&k.writeCounter, 1)
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error deleting prefix %s: %w", hex.EncodeToString(prefix), err)
	}
	return len(keys), nil
}

func (k *KeyValStore) Close() {
	if err := k.Clean(); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Warn("cleanup on close failed")
	}
	if err := k.badgerDB.Close(); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Warn("badger close failed")
	}
}

// Clean syncs, flattens and garbage-collects the badger value log.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil {
		if err != badger.ErrNoRewrite {
			return fmt.Errorf("error cleaning db: %w", err)
		}
	}

	return nil
}
