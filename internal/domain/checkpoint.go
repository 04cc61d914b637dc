package domain

import (
	"time"

	"github.com/loomworks/loom/internal/xjson"
)

// Checkpoint is the durable progress record of one execution. It is
// written after each node completion when checkpointing is enabled, and
// carries everything needed to resume after a crash: the completed node
// set, their results, and the variable bindings at write time.
type Checkpoint struct {
	ExecutionID    string                 `json:"execution_id"`
	WorkflowID     string                 `json:"workflow_id"`
	CompletedNodes []string               `json:"completed_nodes"`
	Results        map[string]*NodeResult `json:"results"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

func NewCheckpoint(ec *ExecutionContext) *Checkpoint {
	cp := &Checkpoint{
		ExecutionID:    ec.ID,
		WorkflowID:     ec.WorkflowID,
		CompletedNodes: ec.CompletedNodes(),
		Results:        make(map[string]*NodeResult, len(ec.NodeResults)),
		Variables:      ec.Variables,
		CreatedAt:      time.Now(),
	}
	for id, r := range ec.NodeResults {
		if r.Status.Terminal() {
			cp.Results[id] = r
		}
	}
	return cp
}

func (c *Checkpoint) ToBytes() ([]byte, error) {
	return xjson.Marshal(c)
}

func CheckpointFromBytes(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	err := xjson.Unmarshal(data, &cp)
	return &cp, err
}

// Completed reports whether a node id is in the completed set.
func (c *Checkpoint) Completed(nodeID string) bool {
	for _, id := range c.CompletedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}
