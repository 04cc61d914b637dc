package ports

import (
	"github.com/loomworks/loom/internal/domain"
)

// EventSink receives synchronous lifecycle callbacks. The engine invokes
// each callback before advancing past the node that produced it.
type EventSink interface {
	OnNodeStart(executionID, nodeID string)
	OnNodeComplete(executionID, nodeID string, input, output map[string]interface{})
	OnNodeError(executionID, nodeID string, err error)
}

// NoopSink satisfies EventSink for callers that do not observe progress.
type NoopSink struct{}

func (NoopSink) OnNodeStart(string, string)                                                    {}
func (NoopSink) OnNodeComplete(string, string, map[string]interface{}, map[string]interface{}) {}
func (NoopSink) OnNodeError(string, string, error)                                             {}

// EventObserver is the buffered, asynchronous feed for logging and UI
// collaborators. Publish never blocks the engine: the observer applies a
// deliberate drop-oldest policy when its buffer is full.
type EventObserver interface {
	Publish(event domain.Event)
	Subscribe(handler func(domain.Event)) (unsubscribe func())
	Dropped() int64
	Close() error
}
