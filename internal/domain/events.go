package domain

import (
	"time"
)

type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionTimedOut  EventType = "execution.timed_out"
	EventNodeStarted        EventType = "node.started"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeError          EventType = "node.error"
	EventCheckpointWritten  EventType = "checkpoint.written"
)

// Event is the generic envelope delivered through the buffered observer.
// The synchronous lifecycle callbacks the engine guarantees are invoked
// inline and do not pass through here.
type Event struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	TriggeredBy string                 `json:"triggered_by,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

func NewEvent(t EventType, executionID string) Event {
	return Event{
		Type:        t,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
	}
}
