// Package replay records node-level snapshots and re-executes nodes
// against their pinned inputs, reporting a structural diff between the
// recorded and fresh outputs. Snapshots are immutable: identical
// re-captures are no-ops, conflicting ones are rejected.
package replay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// Store persists one snapshot per (execution, node) pair and serves
// reads through an optional in-memory cache.
type Store struct {
	storage ports.StoragePort
	cache   *ristretto.Cache
	metrics *domain.ExecutionMetrics
	logger  *slog.Logger
}

// ReplayResult is the outcome of re-executing a node against its
// snapshot. Match is true when the fresh output is structurally
// identical to the recorded one.
type ReplayResult struct {
	Snapshot *domain.ReplaySnapshot `json:"snapshot"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Diff     DiffReport             `json:"diff"`
	Match    bool                   `json:"match"`
}

func New(storage ports.StoragePort, cfg domain.ReplayConfig, metrics *domain.ExecutionMetrics, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = domain.NewExecutionMetrics()
	}

	s := &Store{
		storage: storage,
		metrics: metrics,
		logger:  logger.With("component", "replay"),
	}

	if cfg.CacheEnabled {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheCounters,
			MaxCost:     cfg.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// CaptureSnapshot records the input and output of one node execution.
// Re-capturing identical content returns the stored snapshot unchanged;
// different content for the same (execution, node) pair is rejected.
func (s *Store) CaptureSnapshot(executionID, nodeID string, input, output map[string]interface{}) (*domain.ReplaySnapshot, error) {
	checksum, err := domain.ContentChecksum(input, output)
	if err != nil {
		return nil, err
	}

	key := domain.SnapshotKey(executionID, nodeID)
	if existing, err := s.load(key); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Checksum == checksum {
			return existing, nil
		}
		return nil, domain.NewValidationError(nodeID, "snapshot",
			"capture conflicts with existing snapshot content")
	}

	snapshot := &domain.ReplaySnapshot{
		ID:          nodeID,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Input:       input,
		Output:      output,
		Checksum:    checksum,
		CapturedAt:  time.Now(),
	}

	data, err := snapshot.ToBytes()
	if err != nil {
		return nil, err
	}
	if err := s.storage.Put(key, data); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(key, snapshot, int64(len(data)))
	}
	s.metrics.IncrementSnapshotsCaptured()
	s.logger.Debug("snapshot captured",
		"execution_id", executionID,
		"node_id", nodeID,
		"checksum", checksum)
	return snapshot, nil
}

// Snapshot fetches one snapshot, preferring the cache.
func (s *Store) Snapshot(executionID, nodeID string) (*domain.ReplaySnapshot, error) {
	key := domain.SnapshotKey(executionID, nodeID)
	snapshot, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, domain.NewKeyNotFoundError(key)
	}
	return snapshot, nil
}

// ListSnapshots returns every snapshot of one execution, ordered by node id.
func (s *Store) ListSnapshots(executionID string) ([]*domain.ReplaySnapshot, error) {
	items, err := s.storage.ListByPrefix(domain.SnapshotExecutionPrefix(executionID))
	if err != nil {
		return nil, err
	}

	snapshots := make([]*domain.ReplaySnapshot, 0, len(items))
	for _, item := range items {
		snapshot, err := domain.SnapshotFromBytes(item.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable snapshot", "key", item.Key, "error", err)
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].NodeID < snapshots[j].NodeID })
	return snapshots, nil
}

// Replay re-executes a node with the snapshot's pinned input and diffs
// the fresh output against the recorded one. The executor's failure is
// part of the result, not an error: only infrastructure problems
// (missing snapshot, storage) return a non-nil error.
func (s *Store) Replay(ctx context.Context, executionID, nodeID string, executor ports.NodeExecutor) (*ReplayResult, error) {
	snapshot, err := s.Snapshot(executionID, nodeID)
	if err != nil {
		return nil, err
	}

	input := ports.ResolvedInput{
		Parameters: snapshot.Input,
		Upstream:   snapshot.Input,
	}
	spec := domain.NodeSpec{ID: snapshot.NodeID}

	output, execErr := executor.Execute(ctx, input, spec)

	result := &ReplayResult{
		Snapshot: snapshot,
		Output:   output,
	}
	if execErr != nil {
		result.Error = execErr.Error()
		result.Diff = Diff(snapshot.Output, map[string]interface{}{})
		result.Match = false
		s.logger.Debug("replay execution failed",
			"execution_id", executionID,
			"node_id", nodeID,
			"error", execErr)
		return result, nil
	}

	result.Diff = Diff(snapshot.Output, output)
	result.Match = result.Diff.Empty()
	s.logger.Debug("replay finished",
		"execution_id", executionID,
		"node_id", nodeID,
		"match", result.Match)
	return result, nil
}

func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Store) load(key string) (*domain.ReplaySnapshot, error) {
	if s.cache != nil {
		if cached, hit := s.cache.Get(key); hit {
			if snapshot, ok := cached.(*domain.ReplaySnapshot); ok {
				return snapshot, nil
			}
		}
	}

	value, exists, err := s.storage.Get(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	snapshot, err := domain.SnapshotFromBytes(value)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(key, snapshot, int64(len(value)))
	}
	return snapshot, nil
}
