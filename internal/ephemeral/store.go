package ephemeral

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
)

// Store is the short-TTL side store backed by a dedicated Badger instance.
// Keys expire via Badger's entry TTL; readers treat an expired key the same
// as a missing one.
type Store struct {
	db     *badger.DB
	logger arbor.ILogger
}

// NewStore opens the ephemeral Badger instance
func NewStore(logger arbor.ILogger, config *common.EphemeralConfig) (*Store, error) {
	var options badger.Options
	if config.InMemory || config.Path == "" {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ephemeral store directory: %w", err)
		}
		options = badger.DefaultOptions(config.Path)
	}
	options.Logger = nil

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ephemeral store: %w", err)
	}

	logger.Debug().Str("path", config.Path).Bool("in_memory", config.InMemory || config.Path == "").Msg("Opened ephemeral store")

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to set %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return fmt.Errorf("%w: failed to delete %s: %v", interfaces.ErrStoreUnavailable, key, err)
	}
	return nil
}

// listElementKey builds an ordered element key under a list prefix. The
// time-ordered id keeps iteration order equal to insertion order.
func listElementKey(listKey string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", listKey, seq))
}

func (s *Store) AppendCapped(ctx context.Context, listKey string, value []byte, cap int, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(listElementKey(listKey, common.NextID()), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if cap <= 0 {
			return nil
		}

		// Count elements and drop the oldest beyond cap.
		prefix := []byte(listKey + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for i := 0; len(keys)-i > cap; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to append to %s: %v", interfaces.ErrStoreUnavailable, listKey, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, listKey string) ([][]byte, error) {
	var values [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(listKey + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", interfaces.ErrStoreUnavailable, listKey, err)
	}
	return values, nil
}

func (s *Store) DeleteList(ctx context.Context, listKey string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(listKey + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete list %s: %v", interfaces.ErrStoreUnavailable, listKey, err)
	}
	return nil
}

func counterKey(groupKey, name string) []byte {
	return []byte(groupKey + ":" + name)
}

func (s *Store) AddCounter(ctx context.Context, groupKey, name string, delta int64, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := counterKey(groupKey, name)
		var current int64
		item, err := txn.Get(key)
		if err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(current+delta))
		entry := badger.NewEntry(key, buf)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to add counter %s.%s: %v", interfaces.ErrStoreUnavailable, groupKey, name, err)
	}
	return nil
}

func (s *Store) GetCounters(ctx context.Context, groupKey string) (map[string]int64, error) {
	counters := make(map[string]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(groupKey + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					counters[name] = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read counters %s: %v", interfaces.ErrStoreUnavailable, groupKey, err)
	}
	return counters, nil
}

// DB exposes the raw Badger instance for ordered-key iteration
func (s *Store) DB() *badger.DB {
	return s.db
}

// Close closes the ephemeral store
func (s *Store) Close() error {
	return s.db.Close()
}
