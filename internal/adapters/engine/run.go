package engine

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

type nodeOutcome struct {
	nodeID string
	result *domain.NodeResult
}

// run drives one execution to a terminal status. The coordinator
// goroutine owns the ExecutionContext; workers only report outcomes
// through a channel, so no node result is ever written concurrently.
func (e *Engine) run(parent context.Context, graph *domain.WorkflowGraph, ec *domain.ExecutionContext, cp *domain.Checkpoint) error {
	ctx := parent
	cancel := context.CancelFunc(func() {})
	if e.config.MaxExecutionTime > 0 {
		ctx, cancel = context.WithTimeout(parent, e.config.MaxExecutionTime)
	}
	defer cancel()

	if err := e.persistState(parent, ec); err != nil {
		return err
	}

	preds := graph.Predecessors()
	maxConcurrent := e.config.MaxConcurrentNodes
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	outcomes := make(chan nodeOutcome)
	launched := make(map[string]bool, len(graph.Nodes))
	active := 0
	started := time.Now()

	// Checkpointed nodes count as launched so they are never re-run.
	if cp != nil {
		for id := range ec.NodeResults {
			launched[id] = true
		}
	}

	for {
		skipped := false
		for _, spec := range graph.Nodes {
			if active >= maxConcurrent {
				break
			}
			if launched[spec.ID] {
				continue
			}

			decision := e.admit(graph, preds, ec, spec)
			switch decision.verdict {
			case verdictWait:
				continue
			case verdictSkip:
				launched[spec.ID] = true
				e.recordSkip(ec, spec.ID)
				skipped = true
			case verdictRun:
				launched[spec.ID] = true
				active++
				node := spec
				in := decision
				go func() {
					outcomes <- nodeOutcome{
						nodeID: node.ID,
						result: e.executeNode(ctx, ec, node, in.upstream, in.bindings),
					}
				}()
			}
		}

		if active == 0 {
			if len(launched) == len(graph.Nodes) {
				break
			}
			if skipped {
				// A skip recorded mid-pass can enable nodes the pass
				// already walked past; rescan before concluding
				// anything is stuck.
				continue
			}
			// Nothing active and nothing admissible: remaining nodes
			// wait on sources that will never settle. Structural
			// validation makes this unreachable; fail loudly if not.
			e.logger.Error("scheduler stalled with unsettled nodes",
				"execution_id", ec.ID,
				"launched", len(launched),
				"total", len(graph.Nodes))
			break
		}

		outcome := <-outcomes
		active--
		ec.NodeResults[outcome.nodeID] = outcome.result
		e.afterNode(ctx, parent, ec, outcome)

		if ctx.Err() != nil {
			// Drain workers already in flight before settling status.
			for active > 0 {
				outcome := <-outcomes
				active--
				ec.NodeResults[outcome.nodeID] = outcome.result
			}
			break
		}
	}

	e.settle(graph, ec, started, ctx.Err() != nil)
	return nil
}

// afterNode persists progress, records the replay snapshot, and
// checkpoints once a node settles.
func (e *Engine) afterNode(ctx, parent context.Context, ec *domain.ExecutionContext, outcome nodeOutcome) {
	persistCtx := ctx
	if persistCtx.Err() != nil {
		persistCtx = parent
	}
	if err := e.persistState(persistCtx, ec); err != nil {
		e.logger.Error("state persistence failed",
			"execution_id", ec.ID,
			"node_id", outcome.nodeID,
			"error", err)
	}
	if outcome.result.Status == domain.NodeStatusSuccess {
		e.recordSnapshot(ec, outcome)
	}
	if outcome.result.Status.Terminal() {
		e.writeCheckpoint(persistCtx, ec)
	}
}

// recordSnapshot pins a successful node's resolved input and output for
// later replay. Capture failures are logged, never fatal to the run.
func (e *Engine) recordSnapshot(ec *domain.ExecutionContext, outcome nodeOutcome) {
	if e.recorder == nil {
		return
	}
	if _, err := e.recorder.CaptureSnapshot(ec.ID, outcome.nodeID, outcome.result.Input, outcome.result.Output); err != nil {
		e.logger.Warn("snapshot capture failed",
			"execution_id", ec.ID,
			"node_id", outcome.nodeID,
			"error", err)
	}
}

// settle derives the final status, stamps the context, and archives it.
// An expired deadline wins over node-level failures: work cancelled
// mid-flight reports as timeout, not as a workflow bug.
func (e *Engine) settle(graph *domain.WorkflowGraph, ec *domain.ExecutionContext, started time.Time, expired bool) {
	now := time.Now()
	ec.FinishedAt = &now

	succs := graph.Successors()
	status := domain.ExecutionStatusSuccess
	for _, spec := range graph.Nodes {
		r, ok := ec.NodeResults[spec.ID]
		if !ok || !r.Status.Terminal() {
			// Interrupted before this node settled.
			status = domain.ExecutionStatusTimeout
			continue
		}
		if r.Status == domain.NodeStatusFailed && !errorConsumed(succs[spec.ID], ec) {
			status = domain.ExecutionStatusFailed
			ec.FailedNode = spec.ID
			ec.LastError = r.Error
		}
	}
	if expired {
		status = domain.ExecutionStatusTimeout
		ec.FailedNode = ""
	}
	ec.Status = status

	switch status {
	case domain.ExecutionStatusSuccess:
		e.metrics.IncrementExecutionsSucceeded()
		e.publish(domain.Event{Type: domain.EventExecutionCompleted, ExecutionID: ec.ID, WorkflowID: ec.WorkflowID, Timestamp: now})
	case domain.ExecutionStatusFailed:
		e.metrics.IncrementExecutionsFailed()
		e.publish(domain.Event{Type: domain.EventExecutionFailed, ExecutionID: ec.ID, WorkflowID: ec.WorkflowID, NodeID: ec.FailedNode, Error: ec.LastError, Timestamp: now})
	case domain.ExecutionStatusTimeout:
		if ec.LastError == "" {
			ec.LastError = (&domain.ExecutionTimeoutError{ExecutionID: ec.ID, Limit: e.config.MaxExecutionTime}).Error()
		}
		e.metrics.IncrementExecutionsTimedOut()
		e.publish(domain.Event{Type: domain.EventExecutionTimedOut, ExecutionID: ec.ID, WorkflowID: ec.WorkflowID, Error: ec.LastError, Timestamp: now})
	}

	e.metrics.AddExecutionTime(now.Sub(started))
	e.logger.Info("execution finished",
		"execution_id", ec.ID,
		"workflow_id", ec.WorkflowID,
		"status", status,
		"duration", now.Sub(started))

	e.archive(ec)
}

type verdict int

const (
	verdictWait verdict = iota
	verdictRun
	verdictSkip
)

type admission struct {
	verdict  verdict
	upstream map[string]interface{}
	bindings ports.Bindings
}

// admit decides whether a pending node can run. A node runs when every
// incoming edge's source has settled and at least one edge is live:
// success edges require a truthy condition, error edges require the
// source to have failed. A node with settled sources and no live edge
// is skipped, which in turn deactivates its own outgoing edges.
//
// Bindings are snapshotted here, on the coordinator, so workers never
// read the shared results map while later outcomes are being recorded.
func (e *Engine) admit(graph *domain.WorkflowGraph, preds map[string][]domain.Edge, ec *domain.ExecutionContext, spec domain.NodeSpec) admission {
	if spec.Disabled {
		return admission{verdict: verdictSkip}
	}

	incoming := preds[spec.ID]
	if len(incoming) == 0 {
		upstream := map[string]interface{}{}
		return admission{verdict: verdictRun, upstream: upstream, bindings: e.bindings(ec, upstream)}
	}

	var liveOutputs []map[string]interface{}
	for _, edge := range incoming {
		source, ok := ec.NodeResults[edge.Source]
		if !ok || !source.Status.Terminal() {
			return admission{verdict: verdictWait}
		}

		switch {
		case edge.OnError:
			if source.Status == domain.NodeStatusFailed {
				liveOutputs = append(liveOutputs, map[string]interface{}{
					"error": source.Error,
					"node":  edge.Source,
				})
			}
		case source.Status == domain.NodeStatusSuccess:
			if !e.edgeConditionHolds(ec, edge, source) {
				continue
			}
			liveOutputs = append(liveOutputs, source.Output)
		}
	}

	if len(liveOutputs) == 0 {
		return admission{verdict: verdictSkip}
	}

	upstream, err := domain.MergeOutputs(liveOutputs...)
	if err != nil {
		e.logger.Error("upstream merge failed", "execution_id", ec.ID, "node_id", spec.ID, "error", err)
		return admission{verdict: verdictSkip}
	}
	return admission{verdict: verdictRun, upstream: upstream, bindings: e.bindings(ec, upstream)}
}

// edgeConditionHolds evaluates an edge condition against the source
// node's output. An evaluation error deactivates the edge rather than
// failing the run; the condition author sees the warning in the log.
func (e *Engine) edgeConditionHolds(ec *domain.ExecutionContext, edge domain.Edge, source *domain.NodeResult) bool {
	if edge.Condition == "" {
		return true
	}

	value, err := e.sandbox.Evaluate(edge.Condition, e.bindings(ec, source.Output))
	e.metrics.IncrementExpressionsEvaluated()
	if err != nil {
		e.logger.Warn("edge condition failed to evaluate",
			"execution_id", ec.ID,
			"source", edge.Source,
			"target", edge.Target,
			"error", err)
		return false
	}
	return valueTruthy(value)
}

func (e *Engine) recordSkip(ec *domain.ExecutionContext, nodeID string) {
	now := time.Now()
	ec.NodeResults[nodeID] = &domain.NodeResult{
		NodeID:     nodeID,
		Status:     domain.NodeStatusSkipped,
		StartedAt:  now,
		FinishedAt: &now,
	}
	e.metrics.IncrementNodesSkipped()
	e.logger.Debug("node skipped", "execution_id", ec.ID, "node_id", nodeID)
}

// errorConsumed reports whether a failed node's error path was taken by
// at least one OnError edge, which downgrades the failure to handled.
func errorConsumed(outgoing []domain.Edge, ec *domain.ExecutionContext) bool {
	for _, edge := range outgoing {
		if !edge.OnError {
			continue
		}
		target, ok := ec.NodeResults[edge.Target]
		if ok && target.Status == domain.NodeStatusSuccess {
			return true
		}
	}
	return false
}

func valueTruthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case float64:
		return value != 0
	case string:
		return value != ""
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	}
	return true
}
