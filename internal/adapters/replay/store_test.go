package replay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/adapters/storage"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(storage.NewMemoryStore(), domain.ReplayConfig{}, nil, createTestLogger())
	require.NoError(t, err)
	return s
}

func sampleDocs() (map[string]interface{}, map[string]interface{}) {
	input := map[string]interface{}{"city": "oslo", "units": "metric"}
	output := map[string]interface{}{"temp": float64(12), "wind": map[string]interface{}{"speed": float64(3.4)}}
	return input, output
}

func TestCaptureAndFetchSnapshot(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	snapshot, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot.Checksum)

	loaded, err := s.Snapshot("exec-1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Checksum, loaded.Checksum)
	assert.Equal(t, input, loaded.Input)
	assert.Equal(t, output, loaded.Output)
}

func TestRecaptureIdenticalContentIsNoOp(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	first, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)

	second, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.True(t, first.CapturedAt.Equal(second.CapturedAt), "second capture must return the stored snapshot")
}

func TestRecaptureConflictingContentIsRejected(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	_, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)

	_, err = s.CaptureSnapshot("exec-1", "fetch", input, map[string]interface{}{"temp": float64(99)})
	require.Error(t, err)

	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a, err := domain.ContentChecksum(
		map[string]interface{}{"x": float64(1), "y": float64(2)},
		map[string]interface{}{"b": "v", "a": "u"})
	require.NoError(t, err)

	b, err := domain.ContentChecksum(
		map[string]interface{}{"y": float64(2), "x": float64(1)},
		map[string]interface{}{"a": "u", "b": "v"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestReplayDeterministicNodeMatches(t *testing.T) {
	s := newTestStore(t)

	executor := ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			city, _ := input.Parameters["city"].(string)
			return map[string]interface{}{"greeting": "hello " + city}, nil
		})

	input := map[string]interface{}{"city": "oslo"}
	output, err := executor.Execute(context.Background(), ports.ResolvedInput{Parameters: input}, domain.NodeSpec{ID: "greet"})
	require.NoError(t, err)

	_, err = s.CaptureSnapshot("exec-1", "greet", input, output)
	require.NoError(t, err)

	result, err := s.Replay(context.Background(), "exec-1", "greet", executor)
	require.NoError(t, err)
	assert.True(t, result.Match)
	assert.True(t, result.Diff.Empty())
	assert.Equal(t, output, result.Output)
}

func TestReplayDriftedNodeReportsDiff(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	_, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)

	drifted := ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			return map[string]interface{}{
				"temp": float64(15),
				"wind": map[string]interface{}{"speed": float64(3.4)},
				"hum":  float64(80),
			}, nil
		})

	result, err := s.Replay(context.Background(), "exec-1", "fetch", drifted)
	require.NoError(t, err)
	assert.False(t, result.Match)
	assert.Equal(t, []string{"hum"}, result.Diff.Added)
	assert.Equal(t, []string{"temp"}, result.Diff.Changed)
	assert.Empty(t, result.Diff.Removed)
}

func TestReplayExecutorFailureIsPartOfResult(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	_, err := s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)

	failing := ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			return nil, errors.New("upstream gone")
		})

	result, err := s.Replay(context.Background(), "exec-1", "fetch", failing)
	require.NoError(t, err)
	assert.False(t, result.Match)
	assert.Equal(t, "upstream gone", result.Error)
}

func TestReplayMissingSnapshot(t *testing.T) {
	s := newTestStore(t)

	noop := ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			return nil, nil
		})

	_, err := s.Replay(context.Background(), "exec-none", "fetch", noop)
	require.Error(t, err)
	assert.True(t, domain.IsKeyNotFound(err))
}

func TestListSnapshotsOrderedByNode(t *testing.T) {
	s := newTestStore(t)
	input, output := sampleDocs()

	for _, nodeID := range []string{"b-node", "a-node", "c-node"} {
		_, err := s.CaptureSnapshot("exec-1", nodeID, input, output)
		require.NoError(t, err)
	}
	_, err := s.CaptureSnapshot("exec-2", "other", input, output)
	require.NoError(t, err)

	snapshots, err := s.ListSnapshots("exec-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	assert.Equal(t, "a-node", snapshots[0].NodeID)
	assert.Equal(t, "b-node", snapshots[1].NodeID)
	assert.Equal(t, "c-node", snapshots[2].NodeID)
}

func TestDiffNestedStructures(t *testing.T) {
	before := map[string]interface{}{
		"a": map[string]interface{}{"x": float64(1), "y": float64(2)},
		"list": []interface{}{
			map[string]interface{}{"id": "one"},
			map[string]interface{}{"id": "two"},
		},
		"gone": true,
	}
	after := map[string]interface{}{
		"a": map[string]interface{}{"x": float64(1), "y": float64(3)},
		"list": []interface{}{
			map[string]interface{}{"id": "one"},
			map[string]interface{}{"id": "TWO"},
			map[string]interface{}{"id": "three"},
		},
		"new": "value",
	}

	report := Diff(before, after)
	assert.Equal(t, []string{"list[2]", "new"}, report.Added)
	assert.Equal(t, []string{"gone"}, report.Removed)
	assert.Equal(t, []string{"a.y", "list[1].id"}, report.Changed)
}

func TestDiffIdenticalDocumentsIsEmpty(t *testing.T) {
	_, output := sampleDocs()
	assert.True(t, Diff(output, output).Empty())
}

func TestCachedReadsSurviveStorageDeletion(t *testing.T) {
	store := storage.NewMemoryStore()
	s, err := New(store, domain.ReplayConfig{
		CacheEnabled:  true,
		CacheMaxCost:  1 << 20,
		CacheCounters: 1 << 10,
	}, nil, createTestLogger())
	require.NoError(t, err)
	defer s.Close()

	input, output := sampleDocs()
	_, err = s.CaptureSnapshot("exec-1", "fetch", input, output)
	require.NoError(t, err)

	// Prime the cache, then drop the backing record.
	_, err = s.Snapshot("exec-1", "fetch")
	require.NoError(t, err)
	s.cache.Wait()

	require.NoError(t, store.Delete(domain.SnapshotKey("exec-1", "fetch")))

	loaded, err := s.Snapshot("exec-1", "fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", loaded.NodeID)
}
