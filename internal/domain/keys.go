package domain

import "fmt"

const (
	ExecutionStatePrefix   = "execution:state:"
	ExecutionArchivePrefix = "execution:archive:"
	CheckpointPrefix       = "execution:checkpoint:"
	GraphPrefix            = "workflow:graph:"
	SnapshotPrefix         = "replay:snapshot:"
)

// ExecutionStateKey builds the canonical key for live execution state.
func ExecutionStateKey(id string) string {
	return fmt.Sprintf("%s%s", ExecutionStatePrefix, id)
}

// ExecutionArchiveKey builds the key for archived terminal executions.
func ExecutionArchiveKey(id string) string {
	return fmt.Sprintf("%s%s", ExecutionArchivePrefix, id)
}

// CheckpointKey builds the key for the latest checkpoint of an execution.
func CheckpointKey(executionID string) string {
	return fmt.Sprintf("%s%s", CheckpointPrefix, executionID)
}

// GraphKey builds the key for persisted workflow graph definitions.
func GraphKey(id string) string {
	return fmt.Sprintf("%s%s", GraphPrefix, id)
}

// SnapshotKey builds the key for one replay snapshot.
func SnapshotKey(executionID, snapshotID string) string {
	return fmt.Sprintf("%s%s:%s", SnapshotPrefix, executionID, snapshotID)
}

// SnapshotExecutionPrefix is the scan prefix for all snapshots of one execution.
func SnapshotExecutionPrefix(executionID string) string {
	return fmt.Sprintf("%s%s:", SnapshotPrefix, executionID)
}

func JobWaitingKey(queue string, priority int, sequence int64) string {
	// Higher priority sorts first; sequence breaks ties FIFO. Both are
	// fixed-width so lexical key order is dispatch order.
	return fmt.Sprintf("queue:%s:waiting:%05d:%020d", queue, priorityRank(priority), sequence)
}

func JobActiveKey(queue, jobID string) string {
	return fmt.Sprintf("queue:%s:active:%s", queue, jobID)
}

func JobDelayedKey(queue string, readyAtUnixNano int64, jobID string) string {
	return fmt.Sprintf("queue:%s:delayed:%020d:%s", queue, readyAtUnixNano, jobID)
}

func JobCompletedKey(queue, jobID string) string {
	return fmt.Sprintf("queue:%s:completed:%s", queue, jobID)
}

func JobDeadLetterKey(queue, jobID string) string {
	return fmt.Sprintf("queue:%s:deadletter:%s", queue, jobID)
}

func QueueSequenceKey(queue string) string {
	return fmt.Sprintf("queue:%s:sequence", queue)
}

func QueueWaitingPrefix(queue string) string {
	return fmt.Sprintf("queue:%s:waiting:", queue)
}

func QueueActivePrefix(queue string) string {
	return fmt.Sprintf("queue:%s:active:", queue)
}

func QueueDelayedPrefix(queue string) string {
	return fmt.Sprintf("queue:%s:delayed:", queue)
}

func QueueDeadLetterPrefix(queue string) string {
	return fmt.Sprintf("queue:%s:deadletter:", queue)
}

const maxPriority = 99999

// priorityRank inverts priority so that lexically smaller keys carry
// higher priority.
func priorityRank(priority int) int {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return maxPriority - priority
}
