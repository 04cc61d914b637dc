package ports

import (
	"time"
)

// StoragePort is the persistence collaborator: a key-value store with
// ordered prefix scans. The backing store (badger, memory, anything else)
// is an adapter concern.
type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	PutWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error

	// GetNext returns the first key at or after the prefix start, in
	// lexical order. GetNextAfter continues a scan past afterKey.
	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error)
	CountPrefix(prefix string) (count int, err error)
	ListByPrefix(prefix string) ([]KeyValue, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	AtomicIncrement(key string) (newValue int64, err error)

	Close() error
}

type WriteOp struct {
	Type  OpType
	Key   string
	Value []byte
	TTL   time.Duration
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type KeyValue struct {
	Key   string
	Value []byte
}
