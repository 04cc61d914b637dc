package storage

import (
	"bytes"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// BadgerStore implements ports.StoragePort on an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	owned  bool
}

func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "storage"),
		owned:  true,
	}, nil
}

// NewBadgerStoreWithDB wraps an already-open database; Close leaves it open.
func NewBadgerStoreWithDB(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "storage"),
	}
}

func (s *BadgerStore) Get(key string) (value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, exists, err
}

func (s *BadgerStore) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Exists(key string) (bool, error) {
	_, exists, err := s.Get(key)
	return exists, err
}

func (s *BadgerStore) BatchWrite(ops []ports.WriteOp) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				if op.TTL > 0 {
					entry := badger.NewEntry([]byte(op.Key), op.Value).WithTTL(op.TTL)
					if err := txn.SetEntry(entry); err != nil {
						return err
					}
				} else if err := txn.Set([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
			default:
				return domain.ErrInvalidInput
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.ValidForPrefix([]byte(prefix)) {
			return nil
		}

		item := it.Item()
		key = string(item.KeyCopy(nil))
		value, err = item.ValueCopy(nil)
		exists = true
		return err
	})
	return key, value, exists, err
}

func (s *BadgerStore) GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(afterKey)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if bytes.Compare(k, []byte(afterKey)) <= 0 {
				continue
			}
			key = string(k)
			var verr error
			value, verr = item.ValueCopy(nil)
			exists = true
			return verr
		}
		return nil
	})
	return key, value, exists, err
}

func (s *BadgerStore) CountPrefix(prefix string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	var results []ports.KeyValue

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValue{Key: key, Value: value})
		}
		return nil
	})

	return results, err
}

func (s *BadgerStore) DeleteByPrefix(prefix string) (int, error) {
	keys, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, kv := range keys {
			if err := txn.Delete([]byte(kv.Key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *BadgerStore) AtomicIncrement(key string) (int64, error) {
	var next int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get([]byte(key))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current, _ = strconv.ParseInt(string(raw), 10, 64)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next = current + 1
		return txn.Set([]byte(key), []byte(strconv.FormatInt(next, 10)))
	})
	return next, err
}

func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	s.logger.Debug("closing badger store")
	return s.db.Close()
}
