package director

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefinitionValidation(t *testing.T) {
	t.Run("missing name returns error", func(t *testing.T) {
		_, err := NewDefinition(WorkflowOptions{
			Steps: []*Step{{ID: "a", Action: "navigate"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "name required")
	})

	t.Run("missing steps returns error", func(t *testing.T) {
		_, err := NewDefinition(WorkflowOptions{Name: "job-discovery"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "steps required")
	})

	t.Run("missing action returns error", func(t *testing.T) {
		_, err := NewDefinition(WorkflowOptions{
			Name:  "job-discovery",
			Steps: []*Step{{ID: "a"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "action required")
	})

	t.Run("duplicate step id returns error", func(t *testing.T) {
		_, err := NewDefinition(WorkflowOptions{
			Name: "job-discovery",
			Steps: []*Step{
				{ID: "a", Action: "navigate"},
				{ID: "a", Action: "search_jobs"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate step id")
	})

	t.Run("undeclared dependency returns error", func(t *testing.T) {
		_, err := NewDefinition(WorkflowOptions{
			Name: "job-discovery",
			Steps: []*Step{
				{ID: "a", Action: "navigate", Dependencies: []string{"missing"}},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "undeclared step")
	})
}

func TestNewDefinitionDefaults(t *testing.T) {
	definition, err := NewDefinition(WorkflowOptions{
		Name:  "job-discovery",
		Steps: []*Step{{ID: "a", Action: "navigate"}},
	})
	require.NoError(t, err)
	require.Equal(t, 300*time.Second, definition.Timeout())
	require.Equal(t, PriorityNormal, definition.Priority())
	require.Equal(t, 3, definition.MaxConcurrentSteps())
	require.Equal(t, 3, definition.Steps()[0].MaxRetries)
	require.Equal(t, "a", definition.Steps()[0].Name)
	require.NotEmpty(t, definition.ID())
}

func TestCloneStepsAreIndependent(t *testing.T) {
	definition, err := NewDefinition(WorkflowOptions{
		Name: "job-discovery",
		Steps: []*Step{
			{ID: "a", Action: "navigate", Parameters: map[string]any{"url": "https://example.com"}},
		},
	})
	require.NoError(t, err)

	clone := definition.CloneSteps()
	clone[0].Status = StepStatusCompleted
	clone[0].Parameters["url"] = "changed"

	require.Equal(t, StepStatusPending, definition.Steps()[0].Status)
	require.Equal(t, "https://example.com", definition.Steps()[0].Parameters["url"])
}

func TestLoadString(t *testing.T) {
	definition, err := LoadString(`
name: job-application
description: Apply to matched jobs
parallel_execution: true
max_concurrent_steps: 2
session_requirements:
  session_type: applier
steps:
  - id: open
    action: open_job
  - id: fill
    action: fill_form
    dependencies: [open]
  - id: submit
    action: submit_proposal
    dependencies: [fill]
    max_retries: 2
`)
	require.NoError(t, err)
	require.Equal(t, "job-application", definition.Name())
	require.True(t, definition.ParallelExecution())
	require.Equal(t, 2, definition.MaxConcurrentSteps())
	require.Equal(t, "applier", definition.SessionRequirements().SessionType)
	require.Len(t, definition.Steps(), 3)
	require.Equal(t, []string{"fill"}, definition.Steps()[2].Dependencies)
	require.Equal(t, 2, definition.Steps()[2].MaxRetries)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	workflowID, err := registry.Create(WorkflowOptions{
		Name:  "job-discovery",
		Steps: []*Step{{ID: "a", Action: "navigate"}},
	})
	require.NoError(t, err)

	definition, err := registry.Get(workflowID)
	require.NoError(t, err)
	require.Equal(t, "job-discovery", definition.Name())
	require.Equal(t, []string{workflowID}, registry.IDs())

	_, err = registry.Get("wf_missing")
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeValidation))
}
