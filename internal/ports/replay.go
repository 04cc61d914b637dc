package ports

import "github.com/loomworks/loom/internal/domain"

// SnapshotRecorder captures the pinned input and output of a settled
// node so an execution can later be replayed node by node.
type SnapshotRecorder interface {
	CaptureSnapshot(executionID, nodeID string, input, output map[string]interface{}) (*domain.ReplaySnapshot, error)
}
