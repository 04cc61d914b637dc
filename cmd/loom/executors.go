package main

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom"
)

// registerBuiltins installs the node types the CLI ships with. Programs
// embedding the library register their own richer executors instead.
func registerBuiltins(engine *loom.Engine, logger *slog.Logger) error {
	executors := map[string]loom.NodeExecutor{
		"noop": loom.NodeExecutorFunc(noopNode),
		"set":  loom.NodeExecutorFunc(setNode),
		"log":  loom.NodeExecutorFunc(logNode(logger)),
	}
	for nodeType, executor := range executors {
		if err := engine.RegisterExecutor(nodeType, executor); err != nil {
			return err
		}
	}
	return nil
}

// noopNode passes its merged upstream input through untouched.
func noopNode(ctx context.Context, input loom.ResolvedInput, spec loom.NodeSpec) (map[string]interface{}, error) {
	return input.Upstream, nil
}

// setNode emits its resolved parameters as output, overlaying them on
// the upstream document.
func setNode(ctx context.Context, input loom.ResolvedInput, spec loom.NodeSpec) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(input.Upstream)+len(input.Parameters))
	for k, v := range input.Upstream {
		out[k] = v
	}
	for k, v := range input.Parameters {
		out[k] = v
	}
	return out, nil
}

// logNode logs its resolved parameters and passes upstream through.
func logNode(logger *slog.Logger) func(context.Context, loom.ResolvedInput, loom.NodeSpec) (map[string]interface{}, error) {
	return func(ctx context.Context, input loom.ResolvedInput, spec loom.NodeSpec) (map[string]interface{}, error) {
		args := make([]interface{}, 0, len(input.Parameters)*2)
		for k, v := range input.Parameters {
			args = append(args, k, v)
		}
		logger.Info("node "+spec.ID, args...)
		return input.Upstream, nil
	}
}
