package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// safeExecute invokes a node executor behind a panic barrier. A panic in
// executor code must never take the scheduler down; it is converted into
// a terminal node failure with the stack preserved in the log.
func (e *Engine) safeExecute(ctx context.Context, executor ports.NodeExecutor, input ports.ResolvedInput, spec domain.NodeSpec) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node executor panicked",
				"node_id", spec.ID,
				"node_type", spec.Type,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			output = nil
			err = domain.NewTerminalError(spec.ID, fmt.Errorf("executor panic: %v", r))
		}
	}()

	return executor.Execute(ctx, input, spec)
}
