package guard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/internal/ports"
)

// Guard serializes shared-state mutation per key. Each key has at most
// one holder and a FIFO wait queue, so waiters are admitted in arrival
// order and no waiter starves. Independent keys never block each other.
type Guard struct {
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyState

	holders int64
	waiters int64
}

type keyState struct {
	held  bool
	queue []*waiter
}

type waiter struct {
	grant     chan struct{}
	abandoned bool
}

func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		logger: logger.With("component", "guard"),
		keys:   make(map[string]*keyState),
	}
}

var _ ports.GuardPort = (*Guard)(nil)

// Acquire blocks until the caller holds key's slot or ctx is done. The
// returned release function must be called exactly once; a second call
// panics because double release is a programmer error, not a runtime
// condition to tolerate.
func (g *Guard) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		key = ports.GuardKeyGlobal
	}

	g.mu.Lock()
	state, ok := g.keys[key]
	if !ok {
		state = &keyState{}
		g.keys[key] = state
	}

	if !state.held {
		state.held = true
		g.mu.Unlock()
		atomic.AddInt64(&g.holders, 1)
		g.logger.Debug("guard acquired", "key", key)
		return g.releaseFunc(key), nil
	}

	w := &waiter{grant: make(chan struct{})}
	state.queue = append(state.queue, w)
	g.mu.Unlock()
	atomic.AddInt64(&g.waiters, 1)
	defer atomic.AddInt64(&g.waiters, -1)

	select {
	case <-w.grant:
		atomic.AddInt64(&g.holders, 1)
		g.logger.Debug("guard acquired after wait", "key", key)
		return g.releaseFunc(key), nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.grant:
			// The grant raced the cancellation; pass the slot on so
			// the queue keeps moving.
			g.mu.Unlock()
			g.handoff(key)
		default:
			w.abandoned = true
			g.mu.Unlock()
		}
		g.logger.Debug("guard wait cancelled", "key", key, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

func (g *Guard) releaseFunc(key string) func() {
	var once int32
	return func() {
		if !atomic.CompareAndSwapInt32(&once, 0, 1) {
			panic("guard: release called twice for key " + key)
		}
		atomic.AddInt64(&g.holders, -1)
		g.handoff(key)
	}
}

// handoff wakes the next non-abandoned waiter in arrival order, or marks
// the key free when the queue is empty.
func (g *Guard) handoff(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.keys[key]
	if !ok {
		return
	}

	for len(state.queue) > 0 {
		next := state.queue[0]
		state.queue = state.queue[1:]
		if next.abandoned {
			continue
		}
		close(next.grant)
		return
	}

	state.held = false
	delete(g.keys, key)
}

// Holders reports the number of currently held keys.
func (g *Guard) Holders() int64 {
	return atomic.LoadInt64(&g.holders)
}

// Waiters reports the number of goroutines blocked in Acquire.
func (g *Guard) Waiters() int64 {
	return atomic.LoadInt64(&g.waiters)
}
