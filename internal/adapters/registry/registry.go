package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// Registry is the explicit node-type to executor map. It is populated at
// startup and injected into the engine; lookups after that are read-only.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ports.NodeExecutor
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		executors: make(map[string]ports.NodeExecutor),
		logger:    logger.With("component", "registry"),
	}
}

var _ ports.ExecutorRegistry = (*Registry)(nil)

func (r *Registry) Register(nodeType string, executor ports.NodeExecutor) error {
	if nodeType == "" {
		return fmt.Errorf("%w: empty node type", domain.ErrInvalidInput)
	}
	if executor == nil {
		return fmt.Errorf("%w: nil executor for type %s", domain.ErrInvalidInput, nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("%w: executor already registered for type %s", domain.ErrInvalidInput, nodeType)
	}

	r.executors[nodeType] = executor
	r.logger.Debug("executor registered", "node_type", nodeType)
	return nil
}

func (r *Registry) Get(nodeType string) (ports.NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, exists := r.executors[nodeType]
	if !exists {
		return nil, domain.NewConfigurationError("", nodeType, "no executor registered")
	}
	return executor, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
