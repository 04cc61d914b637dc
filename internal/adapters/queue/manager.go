// Package queue implements named, storage-backed job queues with
// priority-then-FIFO dispatch, bounded worker pools, linear retry
// backoff, and a dead-letter band for jobs that exhaust their attempts.
//
// All queue state lives in storage under "queue:<name>:" keys. Waiting
// keys embed an inverted fixed-width priority and a monotonic sequence,
// so a single ordered prefix scan yields jobs in dispatch order.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

const (
	dispatchInterval   = 25 * time.Millisecond
	delayedInterval    = 50 * time.Millisecond
	completedRecordAge = time.Hour
)

type queueState struct {
	name    string
	opts    domain.QueueOptions
	handler ports.JobHandler

	// claimMu serializes the scan-then-move claim so two workers never
	// take the same waiting key.
	claimMu sync.Mutex
	wake    chan struct{}
	slots   chan struct{}

	waiting   atomic.Int64
	active    atomic.Int64
	delayed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func (q *queueState) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// reserveWaiting claims a waiting slot before anything is written, so
// concurrent enqueues can never overshoot MaxWaiting.
func (q *queueState) reserveWaiting() bool {
	if q.opts.MaxWaiting <= 0 {
		q.waiting.Add(1)
		return true
	}
	for {
		n := q.waiting.Load()
		if int(n) >= q.opts.MaxWaiting {
			return false
		}
		if q.waiting.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Manager owns every named queue and its worker pool.
type Manager struct {
	storage ports.StoragePort
	logger  *slog.Logger
	metrics *queueMetrics

	mu      sync.RWMutex
	queues  map[string]*queueState
	started bool

	cancel    context.CancelFunc
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
}

var _ ports.QueueManagerPort = (*Manager)(nil)

func NewManager(storage ports.StoragePort, reg prometheus.Registerer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: storage,
		logger:  logger.With("component", "queue-manager"),
		metrics: newQueueMetrics(reg),
		queues:  make(map[string]*queueState),
	}
}

// CreateQueue registers a named queue. Registration after Start is
// rejected so the worker pool topology stays fixed for the process
// lifetime.
func (m *Manager) CreateQueue(name string, opts domain.QueueOptions, handler ports.JobHandler) error {
	if name == "" {
		return fmt.Errorf("%w: queue name must not be empty", domain.ErrInvalidInput)
	}
	if handler == nil {
		return fmt.Errorf("%w: queue %s needs a handler", domain.ErrInvalidInput, name)
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("%w: cannot create queue %s after start", domain.ErrAlreadyStarted, name)
	}
	if _, exists := m.queues[name]; exists {
		return fmt.Errorf("%w: queue %s already exists", domain.ErrInvalidInput, name)
	}

	q := &queueState{
		name:    name,
		opts:    opts,
		handler: handler,
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, opts.Concurrency),
	}
	m.queues[name] = q

	m.logger.Debug("queue registered",
		"queue", name,
		"concurrency", opts.Concurrency,
		"retry_attempts", opts.RetryAttempts,
		"max_waiting", opts.MaxWaiting)
	return nil
}

// Enqueue admits a job into the waiting band. A full backlog is explicit
// backpressure: the caller gets QueueFullError and nothing is written.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload domain.JobPayload) (*domain.Job, error) {
	q, err := m.queue(queue)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !q.reserveWaiting() {
		return nil, &domain.QueueFullError{Queue: queue, Limit: q.opts.MaxWaiting}
	}

	sequence, err := m.storage.AtomicIncrement(domain.QueueSequenceKey(queue))
	if err != nil {
		q.waiting.Add(-1)
		return nil, err
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     payload,
		Priority:    q.opts.Priority,
		Sequence:    sequence,
		MaxAttempts: q.opts.RetryAttempts,
		State:       domain.JobStateWaiting,
		EnqueuedAt:  time.Now(),
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}

	data, err := job.ToBytes()
	if err != nil {
		q.waiting.Add(-1)
		return nil, err
	}
	if err := m.storage.Put(domain.JobWaitingKey(queue, job.Priority, sequence), data); err != nil {
		q.waiting.Add(-1)
		return nil, err
	}

	m.metrics.enqueued.WithLabelValues(queue).Inc()
	m.metrics.waiting.WithLabelValues(queue).Set(float64(q.waiting.Load()))
	q.signal()

	m.logger.Debug("job enqueued",
		"queue", queue,
		"job_id", job.ID,
		"execution_id", payload.ExecutionID,
		"sequence", sequence)
	return job, nil
}

// Counters reports the queue's current job-state gauges.
func (m *Manager) Counters(queue string) (domain.QueueCounters, error) {
	q, err := m.queue(queue)
	if err != nil {
		return domain.QueueCounters{}, err
	}
	return domain.QueueCounters{
		Waiting:   q.waiting.Load(),
		Active:    q.active.Load(),
		Delayed:   q.delayed.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}, nil
}

// DeadLetterJobs lists parked jobs, oldest first, up to limit.
func (m *Manager) DeadLetterJobs(queue string, limit int) ([]*domain.Job, error) {
	if _, err := m.queue(queue); err != nil {
		return nil, err
	}

	items, err := m.storage.ListByPrefix(domain.QueueDeadLetterPrefix(queue))
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(items))
	for _, item := range items {
		if limit > 0 && len(jobs) >= limit {
			break
		}
		job, err := domain.JobFromBytes(item.Value)
		if err != nil {
			m.logger.Warn("skipping undecodable dead-letter record", "queue", queue, "key", item.Key, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFromDeadLetter moves one parked job back to the waiting band with
// a fresh attempt budget.
func (m *Manager) RetryFromDeadLetter(ctx context.Context, queue, jobID string) error {
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dlKey := domain.JobDeadLetterKey(queue, jobID)
	value, exists, err := m.storage.Get(dlKey)
	if err != nil {
		return err
	}
	if !exists {
		return &domain.StorageError{Type: domain.ErrKeyNotFound, Key: dlKey, Message: "dead-letter job not found"}
	}

	job, err := domain.JobFromBytes(value)
	if err != nil {
		return err
	}

	sequence, err := m.storage.AtomicIncrement(domain.QueueSequenceKey(queue))
	if err != nil {
		return err
	}
	job.Sequence = sequence
	job.Attempts = 0
	job.State = domain.JobStateWaiting
	job.LastError = ""

	data, err := job.ToBytes()
	if err != nil {
		return err
	}
	if err := m.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: dlKey},
		{Type: ports.OpPut, Key: domain.JobWaitingKey(queue, job.Priority, sequence), Value: data},
	}); err != nil {
		return err
	}

	q.waiting.Add(1)
	m.metrics.waiting.WithLabelValues(queue).Set(float64(q.waiting.Load()))
	q.signal()

	m.logger.Info("dead-letter job requeued", "queue", queue, "job_id", jobID)
	return nil
}

// Start spins up the dispatch and delayed-promotion loops for every
// registered queue, plus workers up to each queue's concurrency.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	m.started = true

	// Dispatch and in-flight handlers get separate contexts: shutdown
	// halts dispatch immediately but only cancels handlers once the
	// drain deadline expires.
	runCtx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.jobCancel = jobCancel

	for _, q := range m.queues {
		if err := m.recoverQueue(q); err != nil {
			m.mu.Unlock()
			cancel()
			jobCancel()
			return err
		}
	}

	for _, q := range m.queues {
		m.wg.Add(2)
		go m.dispatchLoop(runCtx, jobCtx, q)
		go m.delayedLoop(runCtx, q)
	}
	m.mu.Unlock()

	m.logger.Info("queue manager started", "queues", len(m.queues))
	return nil
}

// Shutdown halts dispatch and drains in-flight handlers, up to the
// context deadline. Handlers keep an uncancelled context while draining,
// so shutdown itself never fails or dead-letters a running job; only
// when the deadline expires are the stragglers cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	jobCancel := m.jobCancel
	m.cancel = nil
	m.jobCancel = nil
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		jobCancel()
		m.logger.Info("queue manager stopped")
		return nil
	case <-ctx.Done():
		jobCancel()
		m.logger.Warn("queue manager shutdown timed out, cancelling jobs in flight")
		return ctx.Err()
	}
}

func (m *Manager) queue(name string) (*queueState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, exists := m.queues[name]
	if !exists {
		return nil, &domain.QueueNotFoundError{Queue: name}
	}
	return q, nil
}

// recoverQueue rebuilds gauges from storage and moves jobs that were
// active at crash time back to the waiting band. Their attempt count is
// preserved so a crash does not grant extra retries.
func (m *Manager) recoverQueue(q *queueState) error {
	stranded, err := m.storage.ListByPrefix(domain.QueueActivePrefix(q.name))
	if err != nil {
		return err
	}
	for _, item := range stranded {
		job, err := domain.JobFromBytes(item.Value)
		if err != nil {
			m.logger.Warn("dropping undecodable active record", "queue", q.name, "key", item.Key, "error", err)
			if err := m.storage.Delete(item.Key); err != nil {
				return err
			}
			continue
		}

		job.State = domain.JobStateWaiting
		data, err := job.ToBytes()
		if err != nil {
			return err
		}
		if err := m.storage.BatchWrite([]ports.WriteOp{
			{Type: ports.OpDelete, Key: item.Key},
			{Type: ports.OpPut, Key: domain.JobWaitingKey(q.name, job.Priority, job.Sequence), Value: data},
		}); err != nil {
			return err
		}
		m.logger.Info("recovered stranded active job", "queue", q.name, "job_id", job.ID, "attempts", job.Attempts)
	}

	waiting, err := m.storage.CountPrefix(domain.QueueWaitingPrefix(q.name))
	if err != nil {
		return err
	}
	delayed, err := m.storage.CountPrefix(domain.QueueDelayedPrefix(q.name))
	if err != nil {
		return err
	}
	q.waiting.Store(int64(waiting))
	q.delayed.Store(int64(delayed))
	q.active.Store(0)
	m.metrics.waiting.WithLabelValues(q.name).Set(float64(waiting))
	m.metrics.active.WithLabelValues(q.name).Set(0)
	return nil
}

func (m *Manager) dispatchLoop(ctx, jobCtx context.Context, q *queueState) {
	defer m.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		// A worker slot must be free before a job is claimed, so the
		// concurrency cap holds even with a deep backlog.
		select {
		case <-ctx.Done():
			return
		case q.slots <- struct{}{}:
		}

		job, err := m.claim(q)
		if err != nil {
			<-q.slots
			m.logger.Error("claim failed", "queue", q.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if job == nil {
			<-q.slots
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-ticker.C:
			}
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-q.slots }()
			m.runJob(jobCtx, q, job)
		}()
	}
}

// claim moves the lexically first waiting job to the active band. The
// waiting key ordering is the dispatch policy; no sorting happens here.
func (m *Manager) claim(q *queueState) (*domain.Job, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	key, value, exists, err := m.storage.GetNext(domain.QueueWaitingPrefix(q.name))
	if err != nil || !exists {
		return nil, err
	}

	job, err := domain.JobFromBytes(value)
	if err != nil {
		// A corrupt record would wedge the queue head; drop it.
		m.logger.Warn("dropping undecodable waiting record", "queue", q.name, "key", key, "error", err)
		if delErr := m.storage.Delete(key); delErr != nil {
			return nil, delErr
		}
		q.waiting.Add(-1)
		return nil, nil
	}

	job.State = domain.JobStateActive
	job.Attempts++
	data, err := job.ToBytes()
	if err != nil {
		return nil, err
	}

	if err := m.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: key},
		{Type: ports.OpPut, Key: domain.JobActiveKey(q.name, job.ID), Value: data},
	}); err != nil {
		return nil, err
	}

	q.waiting.Add(-1)
	q.active.Add(1)
	m.metrics.waiting.WithLabelValues(q.name).Set(float64(q.waiting.Load()))
	m.metrics.active.WithLabelValues(q.name).Set(float64(q.active.Load()))
	return job, nil
}

func (m *Manager) runJob(ctx context.Context, q *queueState, job *domain.Job) {
	logger := m.logger.With("queue", q.name, "job_id", job.ID, "attempt", job.Attempts)
	logger.Debug("job dispatched", "execution_id", job.Payload.ExecutionID)

	started := time.Now()
	err := q.handler(ctx, job)
	m.metrics.duration.WithLabelValues(q.name).Observe(time.Since(started).Seconds())

	if err == nil {
		if err := m.complete(q, job); err != nil {
			logger.Error("failed to record job completion", "error", err)
		}
		logger.Debug("job completed", "duration", time.Since(started))
		return
	}

	m.metrics.failed.WithLabelValues(q.name).Inc()
	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts {
		if dlErr := m.deadLetter(q, job); dlErr != nil {
			logger.Error("failed to dead-letter job", "error", dlErr)
		}
		logger.Warn("job dead-lettered after exhausting attempts",
			"max_attempts", job.MaxAttempts,
			"error", err)
		return
	}

	delay := domain.RetryPolicy{MaxAttempts: job.MaxAttempts, Delay: q.opts.RetryDelay}.Backoff(job.Attempts)
	if rsErr := m.reschedule(q, job, delay); rsErr != nil {
		logger.Error("failed to reschedule job", "error", rsErr)
		return
	}
	logger.Debug("job rescheduled", "delay", delay, "error", err)
}

func (m *Manager) complete(q *queueState, job *domain.Job) error {
	job.State = domain.JobStateCompleted
	data, err := job.ToBytes()
	if err != nil {
		return err
	}
	if err := m.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.JobActiveKey(q.name, job.ID)},
		{Type: ports.OpPut, Key: domain.JobCompletedKey(q.name, job.ID), Value: data, TTL: completedRecordAge},
	}); err != nil {
		return err
	}

	q.active.Add(-1)
	q.completed.Add(1)
	m.metrics.active.WithLabelValues(q.name).Set(float64(q.active.Load()))
	m.metrics.completed.WithLabelValues(q.name).Inc()
	return nil
}

func (m *Manager) deadLetter(q *queueState, job *domain.Job) error {
	job.State = domain.JobStateFailed
	data, err := job.ToBytes()
	if err != nil {
		return err
	}
	if err := m.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.JobActiveKey(q.name, job.ID)},
		{Type: ports.OpPut, Key: domain.JobDeadLetterKey(q.name, job.ID), Value: data},
	}); err != nil {
		return err
	}

	q.active.Add(-1)
	q.failed.Add(1)
	m.metrics.active.WithLabelValues(q.name).Set(float64(q.active.Load()))
	m.metrics.deadLettered.WithLabelValues(q.name).Inc()
	return nil
}

func (m *Manager) reschedule(q *queueState, job *domain.Job, delay time.Duration) error {
	job.State = domain.JobStateDelayed
	job.ProcessAt = time.Now().Add(delay)
	data, err := job.ToBytes()
	if err != nil {
		return err
	}
	if err := m.storage.BatchWrite([]ports.WriteOp{
		{Type: ports.OpDelete, Key: domain.JobActiveKey(q.name, job.ID)},
		{Type: ports.OpPut, Key: domain.JobDelayedKey(q.name, job.ProcessAt.UnixNano(), job.ID), Value: data},
	}); err != nil {
		return err
	}

	q.active.Add(-1)
	q.delayed.Add(1)
	m.metrics.active.WithLabelValues(q.name).Set(float64(q.active.Load()))
	m.metrics.retried.WithLabelValues(q.name).Inc()
	return nil
}

// delayedLoop promotes due delayed jobs back to the waiting band. The
// delayed key prefix sorts by ready time, so the scan stops at the first
// job that is not yet due.
func (m *Manager) delayedLoop(ctx context.Context, q *queueState) {
	defer m.wg.Done()

	ticker := time.NewTicker(delayedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := m.promoteDue(q); err != nil {
			m.logger.Error("delayed promotion failed", "queue", q.name, "error", err)
		}
	}
}

func (m *Manager) promoteDue(q *queueState) error {
	prefix := domain.QueueDelayedPrefix(q.name)
	now := time.Now()

	for {
		key, value, exists, err := m.storage.GetNext(prefix)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		job, err := domain.JobFromBytes(value)
		if err != nil {
			m.logger.Warn("dropping undecodable delayed record", "queue", q.name, "key", key, "error", err)
			if err := m.storage.Delete(key); err != nil {
				return err
			}
			q.delayed.Add(-1)
			continue
		}
		if job.ProcessAt.After(now) {
			return nil
		}

		job.State = domain.JobStateWaiting
		data, err := job.ToBytes()
		if err != nil {
			return err
		}
		if err := m.storage.BatchWrite([]ports.WriteOp{
			{Type: ports.OpDelete, Key: key},
			{Type: ports.OpPut, Key: domain.JobWaitingKey(q.name, job.Priority, job.Sequence), Value: data},
		}); err != nil {
			return err
		}

		q.delayed.Add(-1)
		q.waiting.Add(1)
		m.metrics.waiting.WithLabelValues(q.name).Set(float64(q.waiting.Load()))
		q.signal()
	}
}
