package domain

import (
	"time"

	"github.com/loomworks/loom/internal/xjson"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is one unit of queued work: typically "run execution X". Retries of
// a job are strictly sequential; the sequence number fixes FIFO order
// within a priority band.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Payload     JobPayload `json:"payload"`
	Priority    int        `json:"priority"`
	Sequence    int64      `json:"sequence"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	State       JobState   `json:"state"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ProcessAt   time.Time  `json:"process_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type JobPayload struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Trigger     TriggerContext `json:"trigger"`
}

func (j *Job) ToBytes() ([]byte, error) {
	return xjson.Marshal(j)
}

func JobFromBytes(data []byte) (*Job, error) {
	var j Job
	err := xjson.Unmarshal(data, &j)
	return &j, err
}

// RetryPolicy computes linear backoff: the delay before attempt n is
// base * n.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
}

func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return p.Delay * time.Duration(attempts)
}

// QueueCounters are per-queue gauges updated atomically on every job
// state transition.
type QueueCounters struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
