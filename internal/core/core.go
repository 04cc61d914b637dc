// Package core wires the adapters into one runnable system: storage,
// registry, sandbox, guard, engine, queues, replay, events, and the
// optional observability server. The root package re-exports its API.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"dario.cat/mergo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomworks/loom/internal/adapters/engine"
	"github.com/loomworks/loom/internal/adapters/events"
	"github.com/loomworks/loom/internal/adapters/guard"
	"github.com/loomworks/loom/internal/adapters/observability"
	"github.com/loomworks/loom/internal/adapters/queue"
	"github.com/loomworks/loom/internal/adapters/registry"
	"github.com/loomworks/loom/internal/adapters/replay"
	"github.com/loomworks/loom/internal/adapters/sandbox"
	"github.com/loomworks/loom/internal/adapters/storage"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

const observerBufferSize = 256

// Core owns the wired adapters and their shared lifecycle. Executions can
// run before Start; Start is required only for queue dispatch and the
// observability server.
type Core struct {
	config   *domain.Config
	logger   *slog.Logger
	storage  ports.StoragePort
	registry ports.ExecutorRegistry
	sandbox  ports.SandboxPort
	guard    ports.GuardPort
	engine   *engine.Engine
	queues   ports.QueueManagerPort
	replay   *replay.Store
	observer *events.Observer
	metrics  *domain.ExecutionMetrics
	promReg  *prometheus.Registry
	sink     *sinkProxy

	mu         sync.Mutex
	started    bool
	shutdown   bool
	cancel     context.CancelFunc
	obsDone    chan struct{}
	queueNames []string
}

// New builds a Core from config merged over defaults: zero-valued caller
// fields fall back to the default configuration. A nil config runs with
// pure defaults and in-memory storage.
func New(cfg *domain.Config) (*Core, error) {
	config := domain.DefaultConfig()
	if cfg != nil {
		if err := mergo.Merge(config, cfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStorage(config.DataDir, logger)
	if err != nil {
		return nil, err
	}

	metrics := domain.NewExecutionMetrics()
	promReg := prometheus.NewRegistry()
	observer := events.NewObserver(observerBufferSize, logger)
	sink := &sinkProxy{}
	sink.Set(ports.NoopSink{})

	replayStore, err := replay.New(store, config.Replay, metrics, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := registry.New(logger)
	box := sandbox.New(config.Sandbox, logger)
	keyGuard := guard.New(logger)

	eng := engine.New(engine.Options{
		Storage:  store,
		Registry: reg,
		Sandbox:  box,
		Guard:    keyGuard,
		Sink:     sink,
		Observer: observer,
		Recorder: replayStore,
		Metrics:  metrics,
		Config:   config.Engine,
		Logger:   logger,
	})

	return &Core{
		config:   config,
		logger:   logger.With("component", "core"),
		storage:  store,
		registry: reg,
		sandbox:  box,
		guard:    keyGuard,
		engine:   eng,
		queues:   queue.NewManager(store, promReg, logger),
		replay:   replayStore,
		observer: observer,
		metrics:  metrics,
		promReg:  promReg,
		sink:     sink,
	}, nil
}

// openStorage picks the persistence backend: an empty or ":memory:"
// data dir runs purely in memory, anything else opens badger there.
func openStorage(dataDir string, logger *slog.Logger) (ports.StoragePort, error) {
	if dataDir == "" || dataDir == ":memory:" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewBadgerStore(dataDir, logger)
}

// RegisterExecutor binds a node type tag to its implementation. All types
// a graph references must be registered before the graph runs.
func (c *Core) RegisterExecutor(nodeType string, executor ports.NodeExecutor) error {
	return c.registry.Register(nodeType, executor)
}

// ExecutorTypes lists the registered node type tags.
func (c *Core) ExecutorTypes() []string {
	return c.registry.Types()
}

// SetEventSink installs the synchronous lifecycle callback receiver. A
// nil sink restores the no-op default. Safe to call at any time; in-flight
// executions pick it up on their next callback.
func (c *Core) SetEventSink(sink ports.EventSink) {
	if sink == nil {
		sink = ports.NoopSink{}
	}
	c.sink.Set(sink)
}

// Subscribe attaches a handler to the buffered event feed and returns its
// unsubscribe function.
func (c *Core) Subscribe(handler func(domain.Event)) func() {
	return c.observer.Subscribe(handler)
}

// DroppedEvents reports how many buffered events were discarded under
// backpressure.
func (c *Core) DroppedEvents() int64 {
	return c.observer.Dropped()
}

// Metrics returns a point-in-time copy of the engine counters.
func (c *Core) Metrics() domain.ExecutionMetrics {
	return c.metrics.GetSnapshot()
}

// Start launches queue dispatch and, when enabled, the observability
// server. It returns once background work is running.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return domain.ErrAlreadyShutdown
	}
	if c.started {
		return domain.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.queues.Start(runCtx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.started = true

	if c.config.Observability.Enabled {
		server := observability.NewServer(
			c.config.Observability,
			c.metrics,
			c.queues,
			c.queueNames,
			c.promReg,
			c.logger,
		)
		done := make(chan struct{})
		c.obsDone = done
		go func() {
			defer close(done)
			if err := server.Start(runCtx); err != nil {
				c.logger.Error("observability server stopped", "error", err)
			}
		}()
	}

	c.logger.Info("started",
		"data_dir", c.config.DataDir,
		"queues", len(c.queueNames),
		"observability", c.config.Observability.Enabled)
	return nil
}

// Shutdown drains queue workers, stops background goroutines, and closes
// storage. The context bounds how long draining may take.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return domain.ErrAlreadyShutdown
	}
	c.shutdown = true
	started := c.started
	cancel := c.cancel
	obsDone := c.obsDone
	c.mu.Unlock()

	var firstErr error
	if started {
		if err := c.queues.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cancel != nil {
		cancel()
	}
	if obsDone != nil {
		select {
		case <-obsDone:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}

	if err := c.observer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.replay.Close()
	if err := c.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.logger.Info("shutdown complete")
	return firstErr
}

// sinkProxy forwards lifecycle callbacks to a swappable sink so the
// receiver can change after the engine is constructed.
type sinkProxy struct {
	v atomic.Value
}

func (p *sinkProxy) Set(sink ports.EventSink) {
	p.v.Store(&sinkHolder{sink: sink})
}

func (p *sinkProxy) current() ports.EventSink {
	h, ok := p.v.Load().(*sinkHolder)
	if !ok || h == nil {
		return ports.NoopSink{}
	}
	return h.sink
}

type sinkHolder struct {
	sink ports.EventSink
}

func (p *sinkProxy) OnNodeStart(executionID, nodeID string) {
	p.current().OnNodeStart(executionID, nodeID)
}

func (p *sinkProxy) OnNodeComplete(executionID, nodeID string, input, output map[string]interface{}) {
	p.current().OnNodeComplete(executionID, nodeID, input, output)
}

func (p *sinkProxy) OnNodeError(executionID, nodeID string, err error) {
	p.current().OnNodeError(executionID, nodeID, err)
}
