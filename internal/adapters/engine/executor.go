package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// executeNode runs one node to a terminal result: resolve parameters,
// invoke the executor, retry transient failures with linear backoff.
// All synchronous sink callbacks fire from here, in order, before the
// result is handed back to the scheduler. The bindings were snapshotted
// at admission time; nothing here reads the shared results map.
func (e *Engine) executeNode(ctx context.Context, ec *domain.ExecutionContext, spec domain.NodeSpec, upstream map[string]interface{}, bindings ports.Bindings) *domain.NodeResult {
	logger := e.logger.With("execution_id", ec.ID, "node_id", spec.ID, "node_type", spec.Type)

	result := &domain.NodeResult{
		NodeID:    spec.ID,
		Status:    domain.NodeStatusRunning,
		StartedAt: time.Now(),
	}

	e.sink.OnNodeStart(ec.ID, spec.ID)
	e.publish(domain.Event{
		Type:        domain.EventNodeStarted,
		ExecutionID: ec.ID,
		WorkflowID:  ec.WorkflowID,
		NodeID:      spec.ID,
		Timestamp:   result.StartedAt,
	})
	e.metrics.IncrementNodesExecuted()
	logger.Debug("node started")

	executor, err := e.registry.Get(spec.Type)
	if err != nil {
		return e.failNode(ec, spec, result, err, logger)
	}

	input, err := e.resolveInput(spec, upstream, bindings)
	if err != nil {
		return e.failNode(ec, spec, result, err, logger)
	}
	result.Input = input.Parameters

	maxAttempts := e.config.MaxRecoveryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var output map[string]interface{}
	for attempt := 1; ; attempt++ {
		nodeStart := time.Now()
		output, err = e.safeExecute(ctx, executor, input, spec)
		e.metrics.AddExecutionTime(time.Since(nodeStart))

		if err == nil {
			break
		}
		if !domain.IsRetryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return e.failNode(ec, spec, result, err, logger)
		}

		result.RetryCount++
		e.metrics.IncrementNodesRetried()
		delay := e.config.RetryDelay * time.Duration(attempt)
		logger.Warn("node attempt failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return e.failNode(ec, spec, result, ctx.Err(), logger)
		case <-time.After(delay):
		}
	}

	now := time.Now()
	result.Status = domain.NodeStatusSuccess
	result.Output = output
	result.FinishedAt = &now
	e.metrics.IncrementNodesSucceeded()

	e.sink.OnNodeComplete(ec.ID, spec.ID, result.Input, output)
	e.publish(domain.Event{
		Type:        domain.EventNodeCompleted,
		ExecutionID: ec.ID,
		WorkflowID:  ec.WorkflowID,
		NodeID:      spec.ID,
		Payload:     output,
		Timestamp:   now,
	})
	logger.Debug("node completed",
		"duration", now.Sub(result.StartedAt),
		"retries", result.RetryCount)
	return result
}

func (e *Engine) failNode(ec *domain.ExecutionContext, spec domain.NodeSpec, result *domain.NodeResult, err error, logger *slog.Logger) *domain.NodeResult {
	now := time.Now()
	result.Status = domain.NodeStatusFailed
	result.Error = err.Error()
	result.FinishedAt = &now
	e.metrics.IncrementNodesFailed()

	e.sink.OnNodeError(ec.ID, spec.ID, err)
	e.publish(domain.Event{
		Type:        domain.EventNodeError,
		ExecutionID: ec.ID,
		WorkflowID:  ec.WorkflowID,
		NodeID:      spec.ID,
		Error:       err.Error(),
		Timestamp:   now,
	})
	logger.Error("node failed", "retries", result.RetryCount, "error", err)
	return result
}

// resolveInput renders the node's parameters through the sandbox against
// the admission-time bindings. String values are templates; maps and
// slices are walked; everything else passes through untouched.
func (e *Engine) resolveInput(spec domain.NodeSpec, upstream map[string]interface{}, bindings ports.Bindings) (ports.ResolvedInput, error) {
	resolved := make(map[string]interface{}, len(spec.Parameters))
	for name, raw := range spec.Parameters {
		value, err := e.renderValue(raw, bindings)
		if err != nil {
			return ports.ResolvedInput{}, domain.NewTerminalError(spec.ID, err)
		}
		resolved[name] = value
	}

	return ports.ResolvedInput{
		Parameters: resolved,
		Upstream:   upstream,
		Variables:  bindings.Vars,
	}, nil
}

func (e *Engine) renderValue(raw interface{}, bindings ports.Bindings) (interface{}, error) {
	switch value := raw.(type) {
	case string:
		e.metrics.IncrementExpressionsEvaluated()
		return e.sandbox.Render(value, bindings)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, v := range value {
			rendered, err := e.renderValue(v, bindings)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, v := range value {
			rendered, err := e.renderValue(v, bindings)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return raw, nil
	}
}

// bindings builds the sandbox name set from the current results map.
// Coordinator-only: workers receive a snapshot taken at admission.
func (e *Engine) bindings(ec *domain.ExecutionContext, upstream map[string]interface{}) ports.Bindings {
	nodes := make(map[string]map[string]interface{}, len(ec.NodeResults))
	for id, r := range ec.NodeResults {
		if r.Status == domain.NodeStatusSuccess {
			nodes[id] = r.Output
		}
	}
	return ports.Bindings{
		JSON:  upstream,
		Vars:  ec.Variables,
		Nodes: nodes,
	}
}
