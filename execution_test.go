package director

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestExecution(t *testing.T) *Execution {
	t.Helper()
	definition, err := NewDefinition(WorkflowOptions{
		Name: "job-discovery",
		Steps: []*Step{
			{ID: "a", Action: "navigate"},
			{ID: "b", Action: "search_jobs", Dependencies: []string{"a"}},
		},
	})
	require.NoError(t, err)
	return newExecution(definition, map[string]any{"query": "golang"}, PriorityNormal)
}

func TestExecutionCheckpointBounding(t *testing.T) {
	execution := newTestExecution(t)
	execution.SetStatus(ExecutionStatusRunning)

	for i := 0; i < 15; i++ {
		execution.SetProgress(float64(i))
		execution.AppendCheckpoint()
	}

	checkpoints := execution.Checkpoints()
	require.Len(t, checkpoints, MaxCheckpointsPerExecution)
	// Exactly the 10 most recent remain, oldest first.
	require.Equal(t, float64(5), checkpoints[0].Progress)
	require.Equal(t, float64(14), checkpoints[len(checkpoints)-1].Progress)
}

func TestExecutionCheckpointRestore(t *testing.T) {
	execution := newTestExecution(t)
	execution.SetStatus(ExecutionStatusRunning)
	execution.SetProgress(0.4)
	execution.SetCurrentStep("X")
	execution.AssignSession("X", "sess-1")
	execution.AppendCheckpoint()

	// Later state diverges, then the execution fails.
	execution.SetProgress(0.9)
	execution.SetCurrentStep("Y")
	execution.SetStatus(ExecutionStatusFailed)
	execution.MarkCompleted()

	checkpoint, ok := execution.LatestCheckpoint()
	require.True(t, ok)
	execution.RestoreCheckpoint(checkpoint)

	require.Equal(t, ExecutionStatusRunning, execution.Status())
	require.Equal(t, 0.4, execution.Progress())
	require.Equal(t, "X", execution.CurrentStep())
	require.Equal(t, map[string]string{"X": "sess-1"}, execution.SessionAssignments())
	require.True(t, execution.CompletedAt().IsZero())
}

func TestExecutionNoCheckpoint(t *testing.T) {
	execution := newTestExecution(t)
	_, ok := execution.LatestCheckpoint()
	require.False(t, ok)
}

func TestExecutionRestoreResetsFailedSteps(t *testing.T) {
	execution := newTestExecution(t)
	execution.SetStatus(ExecutionStatusRunning)
	execution.AppendCheckpoint()

	execution.UpdateStep("b", func(step *Step) {
		step.Status = StepStatusFailed
		step.RetryCount = 4
		step.ErrorMessage = "page crashed"
	})

	checkpoint, ok := execution.LatestCheckpoint()
	require.True(t, ok)
	execution.RestoreCheckpoint(checkpoint)

	step, ok := execution.StepByID("b")
	require.True(t, ok)
	require.Equal(t, StepStatusPending, step.Status)
	require.Equal(t, 0, step.RetryCount)
	require.Empty(t, step.ErrorMessage)
}

func TestExecutionStepBookkeeping(t *testing.T) {
	execution := newTestExecution(t)

	require.Empty(t, execution.CompletedStepIDs())
	execution.UpdateStep("a", func(step *Step) {
		step.Status = StepStatusCompleted
	})
	require.Equal(t, map[string]bool{"a": true}, execution.CompletedStepIDs())

	execution.AssignSession("a", "sess-1")
	execution.AssignSession("b", "sess-1")
	require.Equal(t, []string{"sess-1"}, execution.AssignedSessionIDs())

	execution.AppendError("first failure")
	execution.AppendError("second failure")
	require.Equal(t, []string{"first failure", "second failure"}, execution.ErrorLog())
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, ExecutionStatusCompleted.Terminal())
	require.True(t, ExecutionStatusFailed.Terminal())
	require.True(t, ExecutionStatusCancelled.Terminal())
	require.False(t, ExecutionStatusPending.Terminal())
	require.False(t, ExecutionStatusRunning.Terminal())
	require.False(t, ExecutionStatusPaused.Terminal())
}
