package domain

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitingKeyOrderIsDispatchOrder(t *testing.T) {
	// Lexical key order must equal priority-descending, sequence-ascending
	// dispatch order, because the queue claims the lexically smallest key.
	keys := []string{
		JobWaitingKey("q", 0, 5),
		JobWaitingKey("q", 10, 9),
		JobWaitingKey("q", 10, 2),
		JobWaitingKey("q", 0, 1),
		JobWaitingKey("q", 3, 7),
	}
	sort.Strings(keys)

	expected := []string{
		JobWaitingKey("q", 10, 2),
		JobWaitingKey("q", 10, 9),
		JobWaitingKey("q", 3, 7),
		JobWaitingKey("q", 0, 1),
		JobWaitingKey("q", 0, 5),
	}
	assert.Equal(t, expected, keys)
}

func TestWaitingKeyClampsPriority(t *testing.T) {
	assert.Equal(t, JobWaitingKey("q", 0, 1), JobWaitingKey("q", -5, 1))
	assert.Equal(t, JobWaitingKey("q", maxPriority, 1), JobWaitingKey("q", maxPriority+100, 1))
}

func TestDelayedKeysOrderByReadyTime(t *testing.T) {
	early := JobDelayedKey("q", 1_000, "job-b")
	late := JobDelayedKey("q", 2_000, "job-a")
	assert.Less(t, early, late)
}

func TestKeyPrefixesCoverTheirKeys(t *testing.T) {
	cases := []struct {
		prefix string
		key    string
	}{
		{QueueWaitingPrefix("q"), JobWaitingKey("q", 1, 1)},
		{QueueActivePrefix("q"), JobActiveKey("q", "j1")},
		{QueueDelayedPrefix("q"), JobDelayedKey("q", 42, "j1")},
		{QueueDeadLetterPrefix("q"), JobDeadLetterKey("q", "j1")},
		{SnapshotExecutionPrefix("e1"), SnapshotKey("e1", "n1")},
		{ExecutionStatePrefix, ExecutionStateKey("e1")},
		{ExecutionArchivePrefix, ExecutionArchiveKey("e1")},
		{CheckpointPrefix, CheckpointKey("e1")},
		{GraphPrefix, GraphKey("wf-1")},
	}
	for _, tc := range cases {
		require.Greater(t, len(tc.key), len(tc.prefix), tc.key)
		assert.True(t, strings.HasPrefix(tc.key, tc.prefix), tc.key)
	}
}

func TestQueueKeySpacesAreDisjoint(t *testing.T) {
	// A queue name that is a prefix of another must not leak into its
	// key space scans.
	assert.False(t, strings.HasPrefix(QueueWaitingPrefix("ab"), QueueWaitingPrefix("a")))
	assert.False(t, strings.HasPrefix(QueueActivePrefix("ab"), QueueActivePrefix("a")))
}
