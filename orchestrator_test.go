package director

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPriorityDispatchOrder(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher, func(opts *Options) {
		opts.MaxConcurrentWorkflows = 1
	})

	gate := dispatcher.gate("hold")
	holdID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "hold",
		Steps: []*Step{{ID: "hold", Action: "search_jobs"}},
	})
	require.Eventually(t, func() bool {
		snapshot, err := orchestrator.Status(holdID)
		return err == nil && snapshot.Status == ExecutionStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	// Both land in the queue while the runner slot is occupied.
	lowID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:     "low",
		Priority: PriorityLow,
		Steps:    []*Step{{ID: "low", Action: "search_jobs"}},
	})
	highID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:     "high",
		Priority: PriorityHigh,
		Steps:    []*Step{{ID: "high", Action: "search_jobs"}},
	})
	close(gate)

	awaitStatus(t, orchestrator, holdID, ExecutionStatusCompleted)
	awaitStatus(t, orchestrator, highID, ExecutionStatusCompleted)
	awaitStatus(t, orchestrator, lowID, ExecutionStatusCompleted)

	calls := dispatcher.callOrder()
	require.Equal(t, []string{"hold", "high", "low"}, calls)
}

func TestPauseResume(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	gate := dispatcher.gate("first")
	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name: "pausable",
		Steps: []*Step{
			{ID: "first", Action: "search_jobs"},
			{ID: "second", Action: "rank_jobs", Dependencies: []string{"first"}},
		},
	})
	awaitStatus(t, orchestrator, executionID, ExecutionStatusRunning)

	require.True(t, orchestrator.Pause(executionID))
	snapshot := awaitStatus(t, orchestrator, executionID, ExecutionStatusPaused)
	require.False(t, snapshot.Status.Terminal())
	require.GreaterOrEqual(t, snapshot.Checkpoints, 1)

	// Pausing twice is a no-op.
	require.False(t, orchestrator.Pause(executionID))

	close(gate)
	require.True(t, orchestrator.Resume(executionID))
	awaitStatus(t, orchestrator, executionID, ExecutionStatusCompleted)
	require.Equal(t, []string{"second"}, dispatcher.callOrder()[len(dispatcher.callOrder())-1:])
}

func TestPauseThenImmediateResume(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	dispatcher.delay = 20 * time.Millisecond
	orchestrator := newTestOrchestrator(t, dispatcher)

	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name: "interruptible",
		Steps: []*Step{
			{ID: "one", Action: "search_jobs"},
			{ID: "two", Action: "extract_jobs", Dependencies: []string{"one"}},
			{ID: "three", Action: "rank_jobs", Dependencies: []string{"two"}},
		},
	})

	// Resuming right after pausing must not let the unwinding runner
	// cancel the execution out from under the new one.
	for i := 0; i < 5; i++ {
		snapshot, err := orchestrator.Status(executionID)
		require.NoError(t, err)
		require.NotEqual(t, ExecutionStatusCancelled, snapshot.Status)
		if snapshot.Status.Terminal() {
			break
		}
		if orchestrator.Pause(executionID) {
			require.True(t, orchestrator.Resume(executionID))
		}
		time.Sleep(10 * time.Millisecond)
	}

	snapshot := awaitStatus(t, orchestrator, executionID, ExecutionStatusCompleted)
	require.Equal(t, 1.0, snapshot.Progress)
	for _, step := range snapshot.Steps {
		require.Equal(t, StepStatusCompleted, step.Status)
	}
}

func TestCancel(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	dispatcher.gate("stuck")
	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "cancellable",
		Steps: []*Step{{ID: "stuck", Action: "search_jobs"}},
	})
	awaitStatus(t, orchestrator, executionID, ExecutionStatusRunning)

	require.True(t, orchestrator.Cancel(executionID))
	awaitStatus(t, orchestrator, executionID, ExecutionStatusCancelled)

	// Sessions come back once the runner observes the cancellation.
	require.Eventually(t, func() bool {
		return orchestrator.Broker().Pool().InUseCount() == 0
	}, time.Second, 10*time.Millisecond)

	require.False(t, orchestrator.Cancel(executionID))
	require.False(t, orchestrator.Cancel("exec_unknown"))
}

func TestCancelQueuedExecution(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher, func(opts *Options) {
		opts.MaxConcurrentWorkflows = 1
	})

	gate := dispatcher.gate("hold")
	holdID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "hold",
		Steps: []*Step{{ID: "hold", Action: "search_jobs"}},
	})
	awaitStatus(t, orchestrator, holdID, ExecutionStatusRunning)

	queuedID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "queued",
		Steps: []*Step{{ID: "never", Action: "search_jobs"}},
	})
	require.True(t, orchestrator.Cancel(queuedID))
	close(gate)

	awaitStatus(t, orchestrator, holdID, ExecutionStatusCompleted)
	snapshot := awaitStatus(t, orchestrator, queuedID, ExecutionStatusCancelled)
	require.Equal(t, 0.0, snapshot.Progress)
	require.NotContains(t, dispatcher.callOrder(), "never")
}

func TestRecoverFromCheckpoint(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	gate := dispatcher.gate("slow")
	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name: "recoverable",
		Steps: []*Step{
			{ID: "prep", Action: "search_jobs"},
			{ID: "slow", Action: "extract_jobs", Dependencies: []string{"prep"}},
		},
	})
	require.Eventually(t, func() bool {
		calls := dispatcher.callOrder()
		return len(calls) >= 2 && calls[len(calls)-1] == "slow"
	}, 5*time.Second, 10*time.Millisecond)

	// Pause records the checkpoint that recovery will restore from.
	require.True(t, orchestrator.Pause(executionID))
	awaitStatus(t, orchestrator, executionID, ExecutionStatusPaused)
	require.True(t, orchestrator.Cancel(executionID))
	awaitStatus(t, orchestrator, executionID, ExecutionStatusCancelled)

	close(gate)
	require.True(t, orchestrator.Recover(executionID))
	snapshot := awaitStatus(t, orchestrator, executionID, ExecutionStatusCompleted)
	require.Equal(t, 1.0, snapshot.Progress)

	// The completed first step was preserved, not re-run.
	callCount := 0
	for _, call := range dispatcher.callOrder() {
		if call == "prep" {
			callCount++
		}
	}
	require.Equal(t, 1, callCount)
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "quick",
		Steps: []*Step{{ID: "only", Action: "search_jobs"}},
	})
	awaitStatus(t, orchestrator, executionID, ExecutionStatusCompleted)

	require.False(t, orchestrator.Recover(executionID))
	require.False(t, orchestrator.Recover("exec_unknown"))
}

func TestStatusUnknownExecution(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	_, err := orchestrator.Status("exec_unknown")
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeValidation))
}

func TestExecutionHistoryBounded(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	definition, err := NewDefinition(WorkflowOptions{
		Name:  "filler",
		Steps: []*Step{{ID: "noop", Action: "rank_jobs"}},
	})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < MaxExecutionHistory+5; i++ {
		execution := newExecution(definition, map[string]any{"n": i}, PriorityNormal)
		orchestrator.mutex.Lock()
		orchestrator.executions[execution.ID()] = execution
		orchestrator.mutex.Unlock()
		execution.SetStatus(ExecutionStatusCompleted)
		execution.MarkCompleted()
		orchestrator.archive(execution)
		ids = append(ids, execution.ID())
	}

	orchestrator.mutex.RLock()
	historyLen := len(orchestrator.history)
	orchestrator.mutex.RUnlock()
	require.Equal(t, MaxExecutionHistory, historyLen)

	// The oldest executions were evicted; the most recent are retrievable.
	for _, evicted := range ids[:5] {
		_, err := orchestrator.Status(evicted)
		require.Error(t, err)
	}
	for _, kept := range ids[5:] {
		_, err := orchestrator.Status(kept)
		require.NoError(t, err, "execution %s should be in history", kept)
	}
}

func TestMetrics(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	dispatcher.failTimes("doomed", 100)
	orchestrator := newTestOrchestrator(t, dispatcher)

	okID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "ok",
		Steps: []*Step{{ID: "fine", Action: "search_jobs"}},
	})
	badID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "bad",
		Steps: []*Step{{ID: "doomed", Action: "search_jobs", MaxRetries: 1}},
	})
	awaitStatus(t, orchestrator, okID, ExecutionStatusCompleted)
	awaitStatus(t, orchestrator, badID, ExecutionStatusFailed)

	metrics := orchestrator.Metrics()
	require.Equal(t, 1, metrics.CompletedExecutions)
	require.Equal(t, 1, metrics.FailedExecutions)
	require.Equal(t, 0.5, metrics.SuccessRate)
	require.Equal(t, 0, metrics.RunningExecutions)
}

func TestQueuedGaugeTracksQueueLength(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	collectors := NewCollectors(prometheus.NewRegistry())
	orchestrator := newTestOrchestrator(t, dispatcher, func(opts *Options) {
		opts.MaxConcurrentWorkflows = 1
		opts.Collectors = collectors
	})

	gate := dispatcher.gate("hold")
	holdID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "hold",
		Steps: []*Step{{ID: "hold", Action: "search_jobs"}},
	})
	awaitStatus(t, orchestrator, holdID, ExecutionStatusRunning)

	queuedID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name:  "queued",
		Steps: []*Step{{ID: "never", Action: "search_jobs"}},
	})
	require.Equal(t, 1.0, testutil.ToFloat64(collectors.QueuedExecutions))

	// Cancelling a queued execution drops its entry without dispatching;
	// the gauge must follow the queue back down to zero.
	require.True(t, orchestrator.Cancel(queuedID))
	close(gate)
	awaitStatus(t, orchestrator, holdID, ExecutionStatusCompleted)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collectors.QueuedExecutions) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionDistribution(t *testing.T) {
	dispatcher := newScriptedDispatcher()
	orchestrator := newTestOrchestrator(t, dispatcher)

	executionID := runWorkflow(t, orchestrator, WorkflowOptions{
		Name: "distributed",
		SessionRequirements: SessionRequirements{
			SessionType: "proposal",
		},
		Steps: []*Step{{ID: "apply", Action: "submit_proposal"}},
	})
	awaitStatus(t, orchestrator, executionID, ExecutionStatusCompleted)

	loads := orchestrator.SessionDistribution()
	require.NotEmpty(t, loads)
	found := false
	for _, load := range loads {
		if load.TaskType == "proposal" {
			found = true
			require.GreaterOrEqual(t, load.Workload, 1)
		}
	}
	require.True(t, found, "expected a session tagged for proposal work, got %s", fmt.Sprint(loads))
}
