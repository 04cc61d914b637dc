package ports

import (
	"context"

	"github.com/loomworks/loom/internal/domain"
)

// JobHandler processes one claimed job. A nil return completes the job;
// an error reschedules it per the queue's retry policy or dead-letters it
// once attempts are exhausted.
type JobHandler func(ctx context.Context, job *domain.Job) error

// QueueManagerPort owns the named queues and their worker pools.
type QueueManagerPort interface {
	CreateQueue(name string, opts domain.QueueOptions, handler JobHandler) error
	Enqueue(ctx context.Context, queue string, payload domain.JobPayload) (*domain.Job, error)
	Counters(queue string) (domain.QueueCounters, error)
	DeadLetterJobs(queue string, limit int) ([]*domain.Job, error)
	RetryFromDeadLetter(ctx context.Context, queue, jobID string) error
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
