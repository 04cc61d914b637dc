// Package engine contains the execution core: it takes a validated
// workflow graph, schedules nodes whose dependencies have settled,
// resolves their parameters through the sandbox, runs them with bounded
// concurrency, and records durable checkpoints as progress is made.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// Engine drives workflow executions. It owns no goroutines between runs;
// each Start or ResumeFromCheckpoint call runs the execution to a
// terminal status before returning.
type Engine struct {
	storage  ports.StoragePort
	registry ports.ExecutorRegistry
	sandbox  ports.SandboxPort
	guard    ports.GuardPort
	sink     ports.EventSink
	observer ports.EventObserver
	recorder ports.SnapshotRecorder
	metrics  *domain.ExecutionMetrics
	config   domain.EngineConfig
	logger   *slog.Logger
}

type Options struct {
	Storage  ports.StoragePort
	Registry ports.ExecutorRegistry
	Sandbox  ports.SandboxPort
	Guard    ports.GuardPort
	Sink     ports.EventSink
	Observer ports.EventObserver
	Recorder ports.SnapshotRecorder
	Metrics  *domain.ExecutionMetrics
	Config   domain.EngineConfig
	Logger   *slog.Logger
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = ports.NoopSink{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NewExecutionMetrics()
	}
	return &Engine{
		storage:  opts.Storage,
		registry: opts.Registry,
		sandbox:  opts.Sandbox,
		guard:    opts.Guard,
		sink:     sink,
		observer: opts.Observer,
		recorder: opts.Recorder,
		metrics:  metrics,
		config:   opts.Config,
		logger:   logger.With("component", "engine"),
	}
}

func (e *Engine) Metrics() *domain.ExecutionMetrics {
	return e.metrics
}

// Start validates the graph, creates a fresh execution, runs it to a
// terminal status, and returns the execution id. The returned error is
// non-nil only for infrastructure failures; a workflow whose nodes fail
// still yields an id with status recorded on the archived context.
func (e *Engine) Start(ctx context.Context, graph *domain.WorkflowGraph, trigger domain.TriggerContext) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", err
	}

	ec := domain.NewExecutionContext(uuid.New().String(), graph.ID, trigger.Input)

	e.logger.Info("execution started",
		"execution_id", ec.ID,
		"workflow_id", graph.ID,
		"nodes", len(graph.Nodes),
		"triggered_by", trigger.TriggeredBy)
	e.metrics.IncrementExecutionsStarted()
	e.publish(domain.Event{
		Type:        domain.EventExecutionStarted,
		ExecutionID: ec.ID,
		WorkflowID:  graph.ID,
		TriggeredBy: trigger.TriggeredBy,
		Timestamp:   time.Now(),
	})

	if err := e.run(ctx, graph, ec, nil); err != nil {
		return ec.ID, err
	}
	return ec.ID, nil
}

// ResumeFromCheckpoint continues a crashed execution. Nodes in the
// checkpoint's completed set are not re-executed; their recorded results
// seed the scheduler, so a deterministic workflow converges on the same
// final context an uninterrupted run would have produced.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, graph *domain.WorkflowGraph, cp *domain.Checkpoint) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", err
	}
	if cp.WorkflowID != graph.ID {
		return "", domain.NewValidationError("", "checkpoint",
			"checkpoint belongs to workflow "+cp.WorkflowID+", not "+graph.ID)
	}

	ec := domain.NewExecutionContext(cp.ExecutionID, graph.ID, cp.Variables)
	for id, r := range cp.Results {
		ec.NodeResults[id] = r
	}

	e.logger.Info("execution resumed",
		"execution_id", ec.ID,
		"workflow_id", graph.ID,
		"completed_nodes", len(cp.CompletedNodes))
	e.metrics.IncrementExecutionsResumed()

	if err := e.run(ctx, graph, ec, cp); err != nil {
		return ec.ID, err
	}
	return ec.ID, nil
}

// Execution loads an execution context, checking live state first and
// the archive second.
func (e *Engine) Execution(id string) (*domain.ExecutionContext, error) {
	for _, key := range []string{domain.ExecutionStateKey(id), domain.ExecutionArchiveKey(id)} {
		value, exists, err := e.storage.Get(key)
		if err != nil {
			return nil, err
		}
		if exists {
			return domain.ExecutionContextFromBytes(value)
		}
	}
	return nil, domain.NewKeyNotFoundError(domain.ExecutionStateKey(id))
}

// Checkpoint loads the latest durable checkpoint of an execution.
func (e *Engine) Checkpoint(executionID string) (*domain.Checkpoint, error) {
	value, exists, err := e.storage.Get(domain.CheckpointKey(executionID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewKeyNotFoundError(domain.CheckpointKey(executionID))
	}
	return domain.CheckpointFromBytes(value)
}

// persistState writes the live execution context under the guard so a
// concurrent checkpoint write for the same execution never interleaves.
func (e *Engine) persistState(ctx context.Context, ec *domain.ExecutionContext) error {
	release, err := e.guard.Acquire(ctx, executionGuardKey(ec.ID))
	if err != nil {
		return err
	}
	defer release()

	data, err := ec.ToBytes()
	if err != nil {
		return err
	}
	return e.storage.Put(domain.ExecutionStateKey(ec.ID), data)
}

func (e *Engine) writeCheckpoint(ctx context.Context, ec *domain.ExecutionContext) {
	if !e.config.EnableCheckpoints {
		return
	}

	release, err := e.guard.Acquire(ctx, executionGuardKey(ec.ID))
	if err != nil {
		e.logger.Warn("checkpoint skipped, guard unavailable", "execution_id", ec.ID, "error", err)
		return
	}
	defer release()

	cp := domain.NewCheckpoint(ec)
	data, err := cp.ToBytes()
	if err != nil {
		e.logger.Error("checkpoint serialization failed", "execution_id", ec.ID, "error", err)
		return
	}
	if err := e.storage.Put(domain.CheckpointKey(ec.ID), data); err != nil {
		e.logger.Error("checkpoint write failed", "execution_id", ec.ID, "error", err)
		return
	}

	e.metrics.IncrementCheckpointsWritten()
	e.publish(domain.Event{
		Type:        domain.EventCheckpointWritten,
		ExecutionID: ec.ID,
		WorkflowID:  ec.WorkflowID,
		Timestamp:   time.Now(),
	})
	e.logger.Debug("checkpoint written",
		"execution_id", ec.ID,
		"completed_nodes", len(cp.CompletedNodes))
}

// archive moves a terminal execution out of the live key space. The
// archived record and checkpoint expire after ArchiveRetention.
func (e *Engine) archive(ec *domain.ExecutionContext) {
	data, err := ec.ToBytes()
	if err != nil {
		e.logger.Error("archive serialization failed", "execution_id", ec.ID, "error", err)
		return
	}

	ops := []ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.ExecutionStateKey(ec.ID)},
		{Type: ports.OpPut, Key: domain.ExecutionArchiveKey(ec.ID), Value: data, TTL: e.config.ArchiveRetention},
	}
	if err := e.storage.BatchWrite(ops); err != nil {
		e.logger.Error("archive write failed", "execution_id", ec.ID, "error", err)
	}
}

func (e *Engine) publish(event domain.Event) {
	if e.observer != nil {
		e.observer.Publish(event)
	}
}

func executionGuardKey(executionID string) string {
	return "execution:" + executionID
}
