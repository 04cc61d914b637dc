package core

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/loomworks/loom/internal/adapters/engine"
	"github.com/loomworks/loom/internal/adapters/replay"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
	"github.com/loomworks/loom/internal/xjson"
)

// ExecuteOptions tunes a single execution without touching the shared
// configuration. Zero-valued fields inherit the configured engine settings.
type ExecuteOptions struct {
	TriggeredBy string
	Source      string
	Engine      domain.EngineConfig
}

// Execute runs a graph to a terminal status with the configured engine
// settings and returns the shaped result. Node failures do not surface as
// an error here; they are recorded on the result.
func (c *Core) Execute(ctx context.Context, graph *domain.WorkflowGraph, input map[string]interface{}) (*Result, error) {
	return c.ExecuteWithOptions(ctx, graph, input, ExecuteOptions{})
}

// ExecuteWithOptions runs a graph with per-call engine overrides merged
// over the configured defaults.
func (c *Core) ExecuteWithOptions(ctx context.Context, graph *domain.WorkflowGraph, input map[string]interface{}, opts ExecuteOptions) (*Result, error) {
	eng, cfg, err := c.scopedEngine(opts.Engine)
	if err != nil {
		return nil, err
	}
	if cfg.ValidateBeforeExecution {
		if err := c.validateGraph(graph); err != nil {
			return nil, err
		}
	}

	trigger := domain.TriggerContext{
		TriggeredBy: opts.TriggeredBy,
		Source:      opts.Source,
		Input:       input,
	}
	id, err := eng.Start(ctx, graph, trigger)
	if err != nil {
		return nil, err
	}
	return c.result(eng, id)
}

// Resume continues an execution from its latest checkpoint. Nodes the
// checkpoint records as completed are not re-run.
func (c *Core) Resume(ctx context.Context, graph *domain.WorkflowGraph, executionID string) (*Result, error) {
	cp, err := c.engine.Checkpoint(executionID)
	if err != nil {
		return nil, err
	}
	id, err := c.engine.ResumeFromCheckpoint(ctx, graph, cp)
	if err != nil {
		return nil, err
	}
	return c.result(c.engine, id)
}

// Execution fetches the live or archived context for an execution id.
func (c *Core) Execution(executionID string) (*domain.ExecutionContext, error) {
	return c.engine.Execution(executionID)
}

// Checkpoint fetches the latest checkpoint for an execution id.
func (c *Core) Checkpoint(executionID string) (*domain.Checkpoint, error) {
	return c.engine.Checkpoint(executionID)
}

func (c *Core) result(eng *engine.Engine, executionID string) (*Result, error) {
	ec, err := eng.Execution(executionID)
	if err != nil {
		return nil, err
	}
	return resultFromContext(ec), nil
}

// scopedEngine returns the shared engine when no overrides are given, or
// a throwaway engine sharing every collaborator but carrying the merged
// per-call configuration.
func (c *Core) scopedEngine(overrides domain.EngineConfig) (*engine.Engine, domain.EngineConfig, error) {
	cfg := c.config.Engine
	if overrides == (domain.EngineConfig{}) {
		return c.engine, cfg, nil
	}
	if err := mergo.Merge(&cfg, overrides, mergo.WithOverride); err != nil {
		return nil, cfg, fmt.Errorf("merge engine overrides: %w", err)
	}
	eng := engine.New(engine.Options{
		Storage:  c.storage,
		Registry: c.registry,
		Sandbox:  c.sandbox,
		Guard:    c.guard,
		Sink:     c.sink,
		Observer: c.observer,
		Recorder: c.replay,
		Metrics:  c.metrics,
		Config:   cfg,
		Logger:   c.logger,
	})
	return eng, cfg, nil
}

// validateGraph runs the pre-execution checks: graph shape, registered
// node types, and presence of every parameter the executor declares as
// required.
func (c *Core) validateGraph(graph *domain.WorkflowGraph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	for _, spec := range graph.Nodes {
		if spec.Disabled {
			continue
		}
		executor, err := c.registry.Get(spec.Type)
		if err != nil {
			return domain.NewValidationError(spec.ID, "type",
				fmt.Sprintf("node type %q is not registered", spec.Type))
		}
		reqs, ok := executor.(ports.ParameterRequirements)
		if !ok {
			continue
		}
		for _, name := range reqs.RequiredParameters() {
			if _, present := spec.Parameters[name]; !present {
				return domain.NewValidationError(spec.ID, name, "required parameter missing")
			}
		}
	}
	return nil
}

// SaveWorkflow persists a graph definition so queued jobs can resolve it
// by workflow id.
func (c *Core) SaveWorkflow(graph *domain.WorkflowGraph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	data, err := xjson.Marshal(graph)
	if err != nil {
		return err
	}
	return c.storage.Put(domain.GraphKey(graph.ID), data)
}

// Workflow loads a persisted graph definition.
func (c *Core) Workflow(workflowID string) (*domain.WorkflowGraph, error) {
	data, exists, err := c.storage.Get(domain.GraphKey(workflowID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewKeyNotFoundError(domain.GraphKey(workflowID))
	}
	var graph domain.WorkflowGraph
	if err := xjson.Unmarshal(data, &graph); err != nil {
		return nil, &domain.StorageError{
			Type:    domain.ErrCorrupted,
			Key:     domain.GraphKey(workflowID),
			Message: fmt.Sprintf("corrupt workflow graph record: %v", err),
		}
	}
	return &graph, nil
}

// CreateQueue registers a named queue whose handler executes the workflow
// each job's payload references. Must be called before Start.
func (c *Core) CreateQueue(name string, opts domain.QueueOptions) error {
	if err := c.queues.CreateQueue(name, opts, c.handleJob); err != nil {
		return err
	}
	c.mu.Lock()
	c.queueNames = append(c.queueNames, name)
	c.mu.Unlock()
	return nil
}

// handleJob runs one queued execution. A pinned execution id resumes from
// its checkpoint; otherwise each attempt starts a fresh execution. A
// non-success terminal status is reported as a handler error so the
// queue's retry policy applies.
func (c *Core) handleJob(ctx context.Context, job *domain.Job) error {
	graph, err := c.Workflow(job.Payload.WorkflowID)
	if err != nil {
		return err
	}

	var id string
	if job.Payload.ExecutionID != "" {
		cp, cpErr := c.engine.Checkpoint(job.Payload.ExecutionID)
		if cpErr != nil {
			return cpErr
		}
		id, err = c.engine.ResumeFromCheckpoint(ctx, graph, cp)
	} else {
		id, err = c.engine.Start(ctx, graph, job.Payload.Trigger)
	}
	if err != nil {
		return err
	}

	ec, err := c.engine.Execution(id)
	if err != nil {
		return err
	}
	if ec.Status != domain.ExecutionStatusSuccess {
		return fmt.Errorf("execution %s finished %s: %s", id, ec.Status, ec.LastError)
	}
	return nil
}

// EnqueueWorkflow schedules a run of a persisted workflow on the named
// queue.
func (c *Core) EnqueueWorkflow(ctx context.Context, queueName, workflowID string, trigger domain.TriggerContext) (*domain.Job, error) {
	if _, err := c.Workflow(workflowID); err != nil {
		return nil, err
	}
	return c.queues.Enqueue(ctx, queueName, domain.JobPayload{
		WorkflowID: workflowID,
		Trigger:    trigger,
	})
}

// QueueCounters reports the per-state job counts of one queue.
func (c *Core) QueueCounters(queueName string) (domain.QueueCounters, error) {
	return c.queues.Counters(queueName)
}

// DeadLetterJobs lists terminally failed jobs for inspection.
func (c *Core) DeadLetterJobs(queueName string, limit int) ([]*domain.Job, error) {
	return c.queues.DeadLetterJobs(queueName, limit)
}

// RetryFromDeadLetter moves a dead-lettered job back to waiting with a
// fresh attempt budget.
func (c *Core) RetryFromDeadLetter(ctx context.Context, queueName, jobID string) error {
	return c.queues.RetryFromDeadLetter(ctx, queueName, jobID)
}

// CaptureSnapshot records a node's input and output for later replay.
func (c *Core) CaptureSnapshot(executionID, nodeID string, input, output map[string]interface{}) (*domain.ReplaySnapshot, error) {
	return c.replay.CaptureSnapshot(executionID, nodeID, input, output)
}

// Snapshot fetches one captured snapshot.
func (c *Core) Snapshot(executionID, nodeID string) (*domain.ReplaySnapshot, error) {
	return c.replay.Snapshot(executionID, nodeID)
}

// ListSnapshots lists the snapshots of one execution ordered by node id.
func (c *Core) ListSnapshots(executionID string) ([]*domain.ReplaySnapshot, error) {
	return c.replay.ListSnapshots(executionID)
}

// ReplayNode re-executes a node of the given registered type against its
// pinned snapshot input and reports the drift.
func (c *Core) ReplayNode(ctx context.Context, executionID, nodeID, nodeType string) (*replay.ReplayResult, error) {
	executor, err := c.registry.Get(nodeType)
	if err != nil {
		return nil, err
	}
	return c.replay.Replay(ctx, executionID, nodeID, executor)
}
