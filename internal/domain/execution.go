package domain

import (
	"time"

	"github.com/loomworks/loom/internal/xjson"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusTimeout
}

type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusSkipped NodeStatus = "skipped"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailed || s == NodeStatusSkipped
}

// ExecutionContext is the mutable record of one workflow run. It is
// created at trigger time, mutated only by the execution core, and
// archived after reaching a terminal status.
type ExecutionContext struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	NodeResults map[string]*NodeResult `json:"node_results"`
	Status      ExecutionStatus        `json:"status"`

	// FailedNode names the node whose classified failure decided the
	// overall status, when Status is failed.
	FailedNode string `json:"failed_node,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func NewExecutionContext(id, workflowID string, variables map[string]interface{}) *ExecutionContext {
	if variables == nil {
		variables = make(map[string]interface{})
	}
	return &ExecutionContext{
		ID:          id,
		WorkflowID:  workflowID,
		StartedAt:   time.Now(),
		Variables:   variables,
		NodeResults: make(map[string]*NodeResult),
		Status:      ExecutionStatusRunning,
	}
}

func (ec *ExecutionContext) ToBytes() ([]byte, error) {
	return xjson.Marshal(ec)
}

func ExecutionContextFromBytes(data []byte) (*ExecutionContext, error) {
	var ec ExecutionContext
	err := xjson.Unmarshal(data, &ec)
	return &ec, err
}

func (ec *ExecutionContext) Result(nodeID string) (*NodeResult, bool) {
	r, ok := ec.NodeResults[nodeID]
	return r, ok
}

// CompletedNodes lists the node ids whose result reached a terminal status.
func (ec *ExecutionContext) CompletedNodes() []string {
	var done []string
	for id, r := range ec.NodeResults {
		if r.Status.Terminal() {
			done = append(done, id)
		}
	}
	return done
}

type NodeResult struct {
	NodeID     string                 `json:"node_id"`
	Status     NodeStatus             `json:"status"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

// TriggerContext records who and what started an execution. It is carried
// on jobs and surfaced on audit events; the engine makes no authorization
// decisions itself.
type TriggerContext struct {
	TriggeredBy string                 `json:"triggered_by,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	ReceivedAt  time.Time              `json:"received_at"`
}
