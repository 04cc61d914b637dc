package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestCore(t *testing.T) *Core {
	t.Helper()

	c, err := New(&domain.Config{
		DataDir: ":memory:",
		Logger:  createTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func registerEcho(t *testing.T, c *Core) {
	t.Helper()
	err := c.RegisterExecutor("echo", ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			out := map[string]interface{}{"node": spec.ID}
			for k, v := range input.Parameters {
				out[k] = v
			}
			return out, nil
		}))
	require.NoError(t, err)
}

func twoStepGraph() *domain.WorkflowGraph {
	return &domain.WorkflowGraph{
		ID: "wf-two",
		Nodes: []domain.NodeSpec{
			{ID: "first", Type: "echo", Parameters: map[string]interface{}{"value": "{{ $vars.seed * 2 }}"}},
			{ID: "second", Type: "echo", Parameters: map[string]interface{}{"doubled": "{{ $node(\"first\").value }}"}},
		},
		Edges: []domain.Edge{{Source: "first", Target: "second"}},
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	result, err := c.Execute(context.Background(), twoStepGraph(), map[string]interface{}{"seed": float64(21)})
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, "wf-two", result.WorkflowID)
	assert.NotEmpty(t, result.ExecutionID)
	require.NotNil(t, result.FinishedAt)
	assert.Equal(t, float64(42), result.NodeResults["first"].Output["value"])
	assert.Equal(t, float64(42), result.NodeResults["second"].Output["doubled"])
}

func TestExecuteDefaultsFromNilConfig(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	registerEcho(t, c)
	graph := &domain.WorkflowGraph{
		ID:    "wf-solo",
		Nodes: []domain.NodeSpec{{ID: "only", Type: "echo"}},
	}
	result, err := c.Execute(context.Background(), graph, nil)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestValidationRejectsUnregisteredType(t *testing.T) {
	c := newTestCore(t)

	graph := &domain.WorkflowGraph{
		ID:    "wf-unknown",
		Nodes: []domain.NodeSpec{{ID: "mystery", Type: "nope"}},
	}
	_, err := c.Execute(context.Background(), graph, nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

type paramCheckedExecutor struct{}

func (paramCheckedExecutor) Execute(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
	return map[string]interface{}{"url": input.Parameters["url"]}, nil
}

func (paramCheckedExecutor) RequiredParameters() []string {
	return []string{"url"}
}

func TestValidationRejectsMissingRequiredParameter(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.RegisterExecutor("http", paramCheckedExecutor{}))

	graph := &domain.WorkflowGraph{
		ID:    "wf-http",
		Nodes: []domain.NodeSpec{{ID: "call", Type: "http"}},
	}
	_, err := c.Execute(context.Background(), graph, nil)
	require.Error(t, err)

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "call", ve.NodeID)
	assert.Equal(t, "url", ve.Field)

	graph.Nodes[0].Parameters = map[string]interface{}{"url": "https://example.com"}
	result, err := c.Execute(context.Background(), graph, nil)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestExecuteWithOptionsOverridesDeadline(t *testing.T) {
	c := newTestCore(t)
	err := c.RegisterExecutor("slow", ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return map[string]interface{}{}, nil
			}
		}))
	require.NoError(t, err)

	graph := &domain.WorkflowGraph{
		ID:    "wf-slow",
		Nodes: []domain.NodeSpec{{ID: "stall", Type: "slow"}},
	}
	result, err := c.ExecuteWithOptions(context.Background(), graph, nil, ExecuteOptions{
		Engine: domain.EngineConfig{MaxExecutionTime: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusTimeout, result.Status)
}

func TestResumeSkipsCompletedNodes(t *testing.T) {
	c := newTestCore(t)

	var ran atomic.Int64
	err := c.RegisterExecutor("count", ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			ran.Add(1)
			return map[string]interface{}{"node": spec.ID}, nil
		}))
	require.NoError(t, err)

	graph := &domain.WorkflowGraph{
		ID: "wf-resume",
		Nodes: []domain.NodeSpec{
			{ID: "a", Type: "count"},
			{ID: "b", Type: "count"},
		},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	}
	first, err := c.Execute(context.Background(), graph, nil)
	require.NoError(t, err)
	require.True(t, first.Succeeded())
	require.Equal(t, int64(2), ran.Load())

	resumed, err := c.Resume(context.Background(), graph, first.ExecutionID)
	require.NoError(t, err)
	assert.True(t, resumed.Succeeded())
	assert.Equal(t, first.ExecutionID, resumed.ExecutionID)
	assert.Equal(t, int64(2), ran.Load(), "completed nodes must not re-run")
}

func TestSaveAndLoadWorkflow(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	graph := twoStepGraph()
	require.NoError(t, c.SaveWorkflow(graph))

	loaded, err := c.Workflow("wf-two")
	require.NoError(t, err)
	assert.Equal(t, graph.ID, loaded.ID)
	assert.Len(t, loaded.Nodes, 2)

	_, err = c.Workflow("wf-absent")
	assert.True(t, domain.IsKeyNotFound(err))
}

func TestQueuedWorkflowExecution(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	require.NoError(t, c.SaveWorkflow(twoStepGraph()))
	require.NoError(t, c.CreateQueue("runs", domain.QueueOptions{
		Concurrency:   2,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		MaxWaiting:    16,
	}))

	job, err := c.EnqueueWorkflow(context.Background(), "runs", "wf-two", domain.TriggerContext{
		TriggeredBy: "tester",
		Input:       map[string]interface{}{"seed": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "runs", job.Queue)

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		counters, err := c.QueueCounters("runs")
		return err == nil && counters.Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	metrics := c.Metrics()
	assert.Equal(t, int64(1), metrics.ExecutionsSucceeded)
}

func TestEnqueueUnknownWorkflowFails(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.CreateQueue("runs", domain.DefaultQueueOptions()))

	_, err := c.EnqueueWorkflow(context.Background(), "runs", "wf-ghost", domain.TriggerContext{})
	assert.True(t, domain.IsKeyNotFound(err))
}

func TestFailingWorkflowDeadLetters(t *testing.T) {
	c := newTestCore(t)
	err := c.RegisterExecutor("boom", ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			return nil, domain.NewTerminalError(spec.ID, errors.New("kaput"))
		}))
	require.NoError(t, err)

	graph := &domain.WorkflowGraph{
		ID:    "wf-boom",
		Nodes: []domain.NodeSpec{{ID: "blow", Type: "boom"}},
	}
	require.NoError(t, c.SaveWorkflow(graph))
	require.NoError(t, c.CreateQueue("runs", domain.QueueOptions{
		Concurrency:   1,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		MaxWaiting:    16,
	}))

	_, err = c.EnqueueWorkflow(context.Background(), "runs", "wf-boom", domain.TriggerContext{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		counters, err := c.QueueCounters("runs")
		return err == nil && counters.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, err := c.DeadLetterJobs("runs", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "kaput")
}

func TestEventSinkAndSubscription(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	var started, completed atomic.Int64
	c.SetEventSink(countingSink{started: &started, completed: &completed})

	events := make(chan domain.Event, 32)
	unsubscribe := c.Subscribe(func(ev domain.Event) {
		events <- ev
	})
	defer unsubscribe()

	graph := &domain.WorkflowGraph{
		ID:    "wf-events",
		Nodes: []domain.NodeSpec{{ID: "only", Type: "echo"}},
	}
	result, err := c.Execute(context.Background(), graph, nil)
	require.NoError(t, err)
	require.True(t, result.Succeeded())

	assert.Equal(t, int64(1), started.Load())
	assert.Equal(t, int64(1), completed.Load())

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == domain.EventExecutionCompleted {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

type countingSink struct {
	started   *atomic.Int64
	completed *atomic.Int64
}

func (s countingSink) OnNodeStart(string, string) { s.started.Add(1) }
func (s countingSink) OnNodeComplete(string, string, map[string]interface{}, map[string]interface{}) {
	s.completed.Add(1)
}
func (s countingSink) OnNodeError(string, string, error) {}

func TestSnapshotCaptureAndReplay(t *testing.T) {
	c := newTestCore(t)
	err := c.RegisterExecutor("double", ports.NodeExecutorFunc(
		func(ctx context.Context, input ports.ResolvedInput, spec domain.NodeSpec) (map[string]interface{}, error) {
			n, _ := input.Parameters["n"].(float64)
			return map[string]interface{}{"out": n * 2}, nil
		}))
	require.NoError(t, err)

	input := map[string]interface{}{"n": float64(8)}
	output := map[string]interface{}{"out": float64(16)}
	_, err = c.CaptureSnapshot("exec-1", "double-node", input, output)
	require.NoError(t, err)

	replayed, err := c.ReplayNode(context.Background(), "exec-1", "double-node", "double")
	require.NoError(t, err)
	assert.True(t, replayed.Match)
	assert.Empty(t, replayed.Error)

	snapshots, err := c.ListSnapshots("exec-1")
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

func TestExecuteRecordsReplaySnapshots(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	result, err := c.Execute(context.Background(), twoStepGraph(), map[string]interface{}{"seed": float64(4)})
	require.NoError(t, err)
	require.True(t, result.Succeeded())

	// Every successful node was pinned during the run; the replay
	// commands work without any manual capture step.
	snapshots, err := c.ListSnapshots(result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "first", snapshots[0].NodeID)
	assert.Equal(t, "second", snapshots[1].NodeID)
	assert.Equal(t, float64(8), snapshots[0].Output["value"])

	replayed, err := c.ReplayNode(context.Background(), result.ExecutionID, "first", "echo")
	require.NoError(t, err)
	assert.True(t, replayed.Match)
}

func TestLegacyResultShape(t *testing.T) {
	c := newTestCore(t)
	registerEcho(t, c)

	result, err := c.Execute(context.Background(), twoStepGraph(), map[string]interface{}{"seed": float64(1)})
	require.NoError(t, err)

	legacy := LegacyResult(result)
	assert.Equal(t, result.ExecutionID, legacy["executionId"])
	assert.Equal(t, "success", legacy["status"])
	assert.Equal(t, true, legacy["success"])
	assert.NotContains(t, legacy, "error")

	data, ok := legacy["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, data, 2)
}

func TestLifecycleGuards(t *testing.T) {
	c := newTestCore(t)

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), domain.ErrAlreadyStarted)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, c.Shutdown(context.Background()), domain.ErrAlreadyShutdown)
	assert.ErrorIs(t, c.Start(context.Background()), domain.ErrAlreadyShutdown)
}
