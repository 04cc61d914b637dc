package domain

import (
	"sync/atomic"
	"time"
)

type ExecutionMetrics struct {
	ExecutionsStarted   int64 `json:"executions_started"`
	ExecutionsSucceeded int64 `json:"executions_succeeded"`
	ExecutionsFailed    int64 `json:"executions_failed"`
	ExecutionsTimedOut  int64 `json:"executions_timed_out"`
	ExecutionsResumed   int64 `json:"executions_resumed"`

	NodesExecuted  int64 `json:"nodes_executed"`
	NodesSucceeded int64 `json:"nodes_succeeded"`
	NodesFailed    int64 `json:"nodes_failed"`
	NodesSkipped   int64 `json:"nodes_skipped"`
	NodesRetried   int64 `json:"nodes_retried"`

	CheckpointsWritten   int64 `json:"checkpoints_written"`
	ExpressionsEvaluated int64 `json:"expressions_evaluated"`
	SnapshotsCaptured    int64 `json:"snapshots_captured"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	NodeExecutionCount   int64 `json:"node_execution_count"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) IncrementExecutionsStarted()   { atomic.AddInt64(&m.ExecutionsStarted, 1) }
func (m *ExecutionMetrics) IncrementExecutionsSucceeded() { atomic.AddInt64(&m.ExecutionsSucceeded, 1) }
func (m *ExecutionMetrics) IncrementExecutionsFailed()    { atomic.AddInt64(&m.ExecutionsFailed, 1) }
func (m *ExecutionMetrics) IncrementExecutionsTimedOut()  { atomic.AddInt64(&m.ExecutionsTimedOut, 1) }
func (m *ExecutionMetrics) IncrementExecutionsResumed()   { atomic.AddInt64(&m.ExecutionsResumed, 1) }

func (m *ExecutionMetrics) IncrementNodesExecuted()  { atomic.AddInt64(&m.NodesExecuted, 1) }
func (m *ExecutionMetrics) IncrementNodesSucceeded() { atomic.AddInt64(&m.NodesSucceeded, 1) }
func (m *ExecutionMetrics) IncrementNodesFailed()    { atomic.AddInt64(&m.NodesFailed, 1) }
func (m *ExecutionMetrics) IncrementNodesSkipped()   { atomic.AddInt64(&m.NodesSkipped, 1) }
func (m *ExecutionMetrics) IncrementNodesRetried()   { atomic.AddInt64(&m.NodesRetried, 1) }

func (m *ExecutionMetrics) IncrementCheckpointsWritten() { atomic.AddInt64(&m.CheckpointsWritten, 1) }
func (m *ExecutionMetrics) IncrementExpressionsEvaluated() {
	atomic.AddInt64(&m.ExpressionsEvaluated, 1)
}
func (m *ExecutionMetrics) IncrementSnapshotsCaptured() { atomic.AddInt64(&m.SnapshotsCaptured, 1) }

func (m *ExecutionMetrics) AddExecutionTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalExecutionTimeNs, int64(duration))
	atomic.AddInt64(&m.NodeExecutionCount, 1)
}

func (m *ExecutionMetrics) GetSnapshot() ExecutionMetrics {
	return ExecutionMetrics{
		ExecutionsStarted:    atomic.LoadInt64(&m.ExecutionsStarted),
		ExecutionsSucceeded:  atomic.LoadInt64(&m.ExecutionsSucceeded),
		ExecutionsFailed:     atomic.LoadInt64(&m.ExecutionsFailed),
		ExecutionsTimedOut:   atomic.LoadInt64(&m.ExecutionsTimedOut),
		ExecutionsResumed:    atomic.LoadInt64(&m.ExecutionsResumed),
		NodesExecuted:        atomic.LoadInt64(&m.NodesExecuted),
		NodesSucceeded:       atomic.LoadInt64(&m.NodesSucceeded),
		NodesFailed:          atomic.LoadInt64(&m.NodesFailed),
		NodesSkipped:         atomic.LoadInt64(&m.NodesSkipped),
		NodesRetried:         atomic.LoadInt64(&m.NodesRetried),
		CheckpointsWritten:   atomic.LoadInt64(&m.CheckpointsWritten),
		ExpressionsEvaluated: atomic.LoadInt64(&m.ExpressionsEvaluated),
		SnapshotsCaptured:    atomic.LoadInt64(&m.SnapshotsCaptured),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		NodeExecutionCount:   atomic.LoadInt64(&m.NodeExecutionCount),
	}
}

func (m *ExecutionMetrics) GetAverageExecutionTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalExecutionTimeNs)
	count := atomic.LoadInt64(&m.NodeExecutionCount)

	if count == 0 {
		return 0
	}

	return time.Duration(totalNs / count)
}
