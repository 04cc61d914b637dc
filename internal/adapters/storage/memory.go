package storage

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// MemoryStore is an in-process StoragePort used by tests and by callers
// that do not need durability. Keys expire lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	expiry  map[string]time.Time
	counter map[string]int64
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		expiry:  make(map[string]time.Time),
		counter: make(map[string]int64),
	}
}

func (s *MemoryStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && time.Now().After(exp)
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	value, exists := s.data[key]
	if !exists || s.expired(key) {
		return nil, false, nil
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	if err := s.Put(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.expiry[key] = time.Now().Add(ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) Exists(key string) (bool, error) {
	_, exists, err := s.Get(key)
	return exists, err
}

func (s *MemoryStore) BatchWrite(ops []ports.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			stored := make([]byte, len(op.Value))
			copy(stored, op.Value)
			s.data[op.Key] = stored
			if op.TTL > 0 {
				s.expiry[op.Key] = time.Now().Add(op.TTL)
			} else {
				delete(s.expiry, op.Key)
			}
		case ports.OpDelete:
			delete(s.data, op.Key)
			delete(s.expiry, op.Key)
		default:
			return domain.ErrInvalidInput
		}
	}
	return nil
}

func (s *MemoryStore) sortedKeys(prefix string) []string {
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) GetNext(prefix string) (string, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.sortedKeys(prefix)
	if len(keys) == 0 {
		return "", nil, false, nil
	}

	value := make([]byte, len(s.data[keys[0]]))
	copy(value, s.data[keys[0]])
	return keys[0], value, true, nil
}

func (s *MemoryStore) GetNextAfter(prefix string, afterKey string) (string, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.sortedKeys(prefix) {
		if k > afterKey {
			value := make([]byte, len(s.data[k]))
			copy(value, s.data[k])
			return k, value, true, nil
		}
	}
	return "", nil, false, nil
}

func (s *MemoryStore) CountPrefix(prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sortedKeys(prefix)), nil
}

func (s *MemoryStore) ListByPrefix(prefix string) ([]ports.KeyValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ports.KeyValue
	for _, k := range s.sortedKeys(prefix) {
		value := make([]byte, len(s.data[k]))
		copy(value, s.data[k])
		results = append(results, ports.KeyValue{Key: k, Value: value})
	}
	return results, nil
}

func (s *MemoryStore) DeleteByPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			delete(s.expiry, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) AtomicIncrement(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "store is closed"}
	}

	if s.counter[key] == 0 {
		if raw, ok := s.data[key]; ok {
			s.counter[key], _ = strconv.ParseInt(string(raw), 10, 64)
		}
	}

	s.counter[key]++
	s.data[key] = []byte(strconv.FormatInt(s.counter[key], 10))
	return s.counter[key], nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
