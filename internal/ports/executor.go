package ports

import (
	"context"

	"github.com/loomworks/loom/internal/domain"
)

// ResolvedInput is what a node executor receives: the node's parameters
// with every expression already evaluated, plus the merged upstream output.
type ResolvedInput struct {
	Parameters map[string]interface{}
	Upstream   map[string]interface{}
	Variables  map[string]interface{}
}

// NodeExecutor runs one node given resolved input. Implementations live
// outside the engine (connector wrappers, transforms) and must honor
// context cancellation; errors should carry a retryable or terminal
// classification via domain.NewRetryableError / domain.NewTerminalError.
type NodeExecutor interface {
	Execute(ctx context.Context, input ResolvedInput, spec domain.NodeSpec) (output map[string]interface{}, err error)
}

// NodeExecutorFunc adapts a function to the NodeExecutor interface.
type NodeExecutorFunc func(ctx context.Context, input ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error)

func (f NodeExecutorFunc) Execute(ctx context.Context, input ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
	return f(ctx, input, spec)
}

// ParameterRequirements is optionally implemented by executors that
// declare parameters a node spec must carry. Presence is checked during
// pre-execution validation; absence fails fast with a ValidationError.
type ParameterRequirements interface {
	RequiredParameters() []string
}

// ExecutorRegistry maps node type tags to implementations. It is built
// explicitly at startup and injected; there is no process-global registry.
type ExecutorRegistry interface {
	Register(nodeType string, executor NodeExecutor) error
	Get(nodeType string) (NodeExecutor, error)
	Types() []string
}
