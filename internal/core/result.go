package core

import (
	"time"

	"github.com/loomworks/loom/internal/domain"
)

// Result is the shaped outcome of one execution: terminal status, the
// per-node record, and the variables as they stood when the run ended.
type Result struct {
	ExecutionID string                        `json:"execution_id"`
	WorkflowID  string                        `json:"workflow_id"`
	Status      domain.ExecutionStatus        `json:"status"`
	StartedAt   time.Time                     `json:"started_at"`
	FinishedAt  *time.Time                    `json:"finished_at,omitempty"`
	Variables   map[string]interface{}        `json:"variables,omitempty"`
	NodeResults map[string]*domain.NodeResult `json:"node_results"`
	FailedNode  string                        `json:"failed_node,omitempty"`
	Error       string                        `json:"error,omitempty"`
}

// Succeeded reports whether the execution reached success.
func (r *Result) Succeeded() bool {
	return r.Status == domain.ExecutionStatusSuccess
}

// Duration is the wall-clock span of the run, zero while unfinished.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func resultFromContext(ec *domain.ExecutionContext) *Result {
	results := make(map[string]*domain.NodeResult, len(ec.NodeResults))
	for id, nr := range ec.NodeResults {
		results[id] = nr
	}
	return &Result{
		ExecutionID: ec.ID,
		WorkflowID:  ec.WorkflowID,
		Status:      ec.Status,
		StartedAt:   ec.StartedAt,
		FinishedAt:  ec.FinishedAt,
		Variables:   ec.Variables,
		NodeResults: results,
		FailedNode:  ec.FailedNode,
		Error:       ec.LastError,
	}
}

// LegacyResult reshapes a Result into the flat document older
// integrations consume: camelCase keys, per-node outputs under "data",
// and a boolean "success" flag. New code should use Result directly;
// this adapter is the only place the old shape exists.
func LegacyResult(r *Result) map[string]interface{} {
	data := make(map[string]interface{}, len(r.NodeResults))
	for id, nr := range r.NodeResults {
		if nr.Status == domain.NodeStatusSuccess {
			data[id] = nr.Output
		}
	}
	legacy := map[string]interface{}{
		"executionId": r.ExecutionID,
		"workflowId":  r.WorkflowID,
		"status":      string(r.Status),
		"success":     r.Succeeded(),
		"data":        data,
	}
	if r.Error != "" {
		legacy["error"] = r.Error
		legacy["failedNode"] = r.FailedNode
	}
	return legacy
}
