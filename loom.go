// Package loom is a workflow execution engine for Go applications.
//
// Loom runs directed acyclic graphs of typed nodes with bounded
// concurrency, durable checkpoints, sandboxed parameter expressions, and
// a persistent priority job queue. It provides:
//   - DAG execution with conditional and error-path edges
//   - Checkpoint-based crash recovery and resume
//   - A sandboxed expression language for node parameters
//   - Priority queues with retries, backpressure, and dead-lettering
//   - Snapshot capture and deterministic node replay with drift diffing
//
// Basic usage:
//
//	engine, err := loom.New(&loom.Config{DataDir: "./data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.RegisterExecutor("http", &HTTPNode{})
//
//	result, err := engine.Execute(ctx, graph, map[string]interface{}{
//	    "order_id": "ord-123",
//	})
package loom

import (
	"github.com/loomworks/loom/internal/adapters/replay"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// Engine is the wired workflow system: executor registry, execution
// core, queues, replay store, and the event feed.
type Engine = core.Core

// Config carries every tunable. Zero-valued fields fall back to
// DefaultConfig values when passed to New.
type Config = domain.Config

// EngineConfig tunes the execution core: retry budget, per-execution
// concurrency cap, wall-clock deadline, and checkpointing.
type EngineConfig = domain.EngineConfig

// SandboxConfig bounds expression evaluation: wall-clock budget,
// iteration ceiling, and string/array/depth limits.
type SandboxConfig = domain.SandboxConfig

// ReplayConfig tunes the snapshot read cache.
type ReplayConfig = domain.ReplayConfig

// ObservabilityConfig configures the optional HTTP server exposing
// health, stats, and prometheus metrics.
type ObservabilityConfig = domain.ObservabilityConfig

// QueueOptions configures one named queue: priority, worker concurrency,
// retry policy, and the waiting-backlog cap.
type QueueOptions = domain.QueueOptions

// WorkflowGraph is the static definition of a workflow: typed nodes
// connected by directed edges. Graphs must be acyclic.
type WorkflowGraph = domain.WorkflowGraph

// NodeSpec declares one unit of work; parameter values may contain
// `{{ ... }}` expressions resolved at execution time.
type NodeSpec = domain.NodeSpec

// Edge connects two nodes, optionally gated by a condition expression or
// marked as an error path.
type Edge = domain.Edge

// ExecutionContext is the full record of one workflow run.
type ExecutionContext = domain.ExecutionContext

// NodeResult is the per-node outcome: status, resolved input, output,
// error, and retry count.
type NodeResult = domain.NodeResult

// TriggerContext records who and what started an execution.
type TriggerContext = domain.TriggerContext

// Checkpoint is the durable progress record used for crash recovery.
type Checkpoint = domain.Checkpoint

// Job is one unit of queued work.
type Job = domain.Job

// JobPayload names the workflow a job runs and carries its trigger.
type JobPayload = domain.JobPayload

// QueueCounters reports per-state job counts for one queue.
type QueueCounters = domain.QueueCounters

// ReplaySnapshot is an immutable record of one node's input and output.
type ReplaySnapshot = domain.ReplaySnapshot

// ReplayResult is the outcome of re-executing a node against its
// snapshot, including a structural drift report.
type ReplayResult = replay.ReplayResult

// DiffReport lists added, removed, and changed key paths between two
// output documents.
type DiffReport = replay.DiffReport

// Event is the envelope delivered through the buffered event feed.
type Event = domain.Event

// EventType tags an Event with its lifecycle stage.
type EventType = domain.EventType

// ExecutionMetrics is the atomic counter set the engine maintains.
type ExecutionMetrics = domain.ExecutionMetrics

// Result is the shaped outcome of one execution.
type Result = core.Result

// ExecuteOptions tunes a single execution without touching shared
// configuration.
type ExecuteOptions = core.ExecuteOptions

// NodeExecutor runs one node given resolved input. Implementations must
// honor context cancellation and classify their errors retryable or
// terminal.
type NodeExecutor = ports.NodeExecutor

// NodeExecutorFunc adapts a function to the NodeExecutor interface.
type NodeExecutorFunc = ports.NodeExecutorFunc

// ResolvedInput is what an executor receives: parameters with every
// expression already evaluated, plus the merged upstream output.
type ResolvedInput = ports.ResolvedInput

// ParameterRequirements is optionally implemented by executors that
// declare required parameters, checked before execution starts.
type ParameterRequirements = ports.ParameterRequirements

// EventSink receives synchronous lifecycle callbacks.
type EventSink = ports.EventSink

// StoragePort is the persistence collaborator interface.
type StoragePort = ports.StoragePort

// Bindings are the names visible to a sandboxed expression.
type Bindings = ports.Bindings

// Event types emitted through the buffered feed.
const (
	EventExecutionStarted   = domain.EventExecutionStarted
	EventExecutionCompleted = domain.EventExecutionCompleted
	EventExecutionFailed    = domain.EventExecutionFailed
	EventExecutionTimedOut  = domain.EventExecutionTimedOut
	EventNodeStarted        = domain.EventNodeStarted
	EventNodeCompleted      = domain.EventNodeCompleted
	EventNodeError          = domain.EventNodeError
	EventCheckpointWritten  = domain.EventCheckpointWritten
)

// Execution and node statuses.
const (
	ExecutionStatusRunning = domain.ExecutionStatusRunning
	ExecutionStatusSuccess = domain.ExecutionStatusSuccess
	ExecutionStatusFailed  = domain.ExecutionStatusFailed
	ExecutionStatusTimeout = domain.ExecutionStatusTimeout

	NodeStatusPending = domain.NodeStatusPending
	NodeStatusRunning = domain.NodeStatusRunning
	NodeStatusSuccess = domain.NodeStatusSuccess
	NodeStatusFailed  = domain.NodeStatusFailed
	NodeStatusSkipped = domain.NodeStatusSkipped
)

// New builds an Engine from config merged over defaults. A nil config
// runs with pure defaults and in-memory storage.
func New(cfg *Config) (*Engine, error) {
	return core.New(cfg)
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// DefaultQueueOptions returns the default per-queue settings.
func DefaultQueueOptions() QueueOptions {
	return domain.DefaultQueueOptions()
}

// LegacyResult reshapes a Result into the flat camelCase document older
// integrations consume. New code should use Result directly.
func LegacyResult(r *Result) map[string]interface{} {
	return core.LegacyResult(r)
}

// NewRetryableError classifies a node failure as transient so the engine
// retries it within the recovery budget.
func NewRetryableError(nodeID string, err error) error {
	return domain.NewRetryableError(nodeID, err)
}

// NewTerminalError classifies a node failure as permanent; the engine
// fails the node without retrying.
func NewTerminalError(nodeID string, err error) error {
	return domain.NewTerminalError(nodeID, err)
}

// IsRetryable reports whether an error is classified transient.
func IsRetryable(err error) bool {
	return domain.IsRetryable(err)
}

// Diff compares two output documents structurally.
func Diff(before, after map[string]interface{}) DiffReport {
	return replay.Diff(before, after)
}
