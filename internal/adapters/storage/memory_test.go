package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

func TestPutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Put("k1", []byte("v1")))

	value, exists, err := s.Get("k1")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, s.Delete("k1"))
	_, exists, err = s.Get("k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("abc")))
	value, _, err := s.Get("k")
	require.NoError(t, err)
	value[0] = 'z'

	again, _, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.PutWithTTL("ephemeral", []byte("x"), 20*time.Millisecond))

	_, exists, err := s.Get("ephemeral")
	require.NoError(t, err)
	require.True(t, exists)

	require.Eventually(t, func() bool {
		_, exists, err := s.Get("ephemeral")
		return err == nil && !exists
	}, time.Second, 10*time.Millisecond)

	// A plain Put clears any previous expiry.
	require.NoError(t, s.PutWithTTL("kept", []byte("x"), 20*time.Millisecond))
	require.NoError(t, s.Put("kept", []byte("y")))
	time.Sleep(40 * time.Millisecond)
	_, exists, err = s.Get("kept")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPrefixScansAreOrdered(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	for _, k := range []string{"p:c", "p:a", "q:x", "p:b"} {
		require.NoError(t, s.Put(k, []byte(k)))
	}

	key, value, exists, err := s.GetNext("p:")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "p:a", key)
	assert.Equal(t, []byte("p:a"), value)

	key, _, exists, err = s.GetNextAfter("p:", "p:a")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "p:b", key)

	_, _, exists, err = s.GetNextAfter("p:", "p:c")
	require.NoError(t, err)
	assert.False(t, exists)

	count, err := s.CountPrefix("p:")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	kvs, err := s.ListByPrefix("p:")
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, "p:a", kvs[0].Key)
	assert.Equal(t, "p:c", kvs[2].Key)

	deleted, err := s.DeleteByPrefix("p:")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err = s.CountPrefix("p:")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBatchWriteIsApplied(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Put("old", []byte("x")))
	err := s.BatchWrite([]ports.WriteOp{
		{Type: ports.OpPut, Key: "new", Value: []byte("y")},
		{Type: ports.OpPut, Key: "fleeting", Value: []byte("z"), TTL: 10 * time.Millisecond},
		{Type: ports.OpDelete, Key: "old"},
	})
	require.NoError(t, err)

	_, exists, _ := s.Get("old")
	assert.False(t, exists)
	_, exists, _ = s.Get("new")
	assert.True(t, exists)

	require.Eventually(t, func() bool {
		_, exists, err := s.Get("fleeting")
		return err == nil && !exists
	}, time.Second, 5*time.Millisecond)
}

func TestAtomicIncrement(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	n, err := s.AtomicIncrement("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AtomicIncrement("seq")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err = s.AtomicIncrement("seq")
	require.NoError(t, err)
	assert.Equal(t, int64(52), n)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("w:%d:%d", n, j)
				assert.NoError(t, s.Put(key, []byte("v")))
				_, _, _, err := s.GetNext("w:")
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	count, err := s.CountPrefix("w:")
	require.NoError(t, err)
	assert.Equal(t, 400, count)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Put("k", []byte("v"))
	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ErrClosed, se.Type)

	_, _, err = s.Get("k")
	assert.Error(t, err)
	_, err = s.AtomicIncrement("n")
	assert.Error(t, err)
}
