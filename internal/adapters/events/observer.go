package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

// Observer fans execution events out to subscribers through a bounded
// channel. When the buffer is full the oldest event is dropped so a slow
// consumer can never stall the engine; the drop count is observable.
type Observer struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[int64]func(domain.Event)
	nextID   int64

	buffer  chan domain.Event
	dropped int64
	done    chan struct{}
	once    sync.Once
}

func NewObserver(bufferSize int, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 1 {
		bufferSize = 256
	}

	o := &Observer{
		logger:   logger.With("component", "event-observer"),
		handlers: make(map[int64]func(domain.Event)),
		buffer:   make(chan domain.Event, bufferSize),
		done:     make(chan struct{}),
	}

	go o.pump()
	return o
}

var _ ports.EventObserver = (*Observer)(nil)

func (o *Observer) pump() {
	for {
		select {
		case event := <-o.buffer:
			o.mu.RLock()
			for _, handler := range o.handlers {
				handler(event)
			}
			o.mu.RUnlock()
		case <-o.done:
			return
		}
	}
}

// Publish enqueues an event, dropping the oldest buffered event on
// overflow.
func (o *Observer) Publish(event domain.Event) {
	select {
	case <-o.done:
		return
	default:
	}

	for {
		select {
		case o.buffer <- event:
			return
		default:
		}

		select {
		case stale := <-o.buffer:
			atomic.AddInt64(&o.dropped, 1)
			o.logger.Debug("event dropped on overflow",
				"dropped_type", stale.Type,
				"dropped_execution_id", stale.ExecutionID,
			)
		default:
		}
	}
}

func (o *Observer) Subscribe(handler func(domain.Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.handlers[id] = handler

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.handlers, id)
	}
}

func (o *Observer) Dropped() int64 {
	return atomic.LoadInt64(&o.dropped)
}

func (o *Observer) Close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}
