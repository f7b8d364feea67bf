package director

import "time"

// MaxCheckpointsPerExecution bounds the per-execution checkpoint ring;
// the oldest checkpoint is evicted once the bound is exceeded.
const MaxCheckpointsPerExecution = 10

// Checkpoint is a snapshot of a running execution sufficient to resume
// scheduling after a failure. Checkpoints are in-memory and live only as
// long as the process.
type Checkpoint struct {
	ExecutionID        string            `json:"execution_id"`
	WorkflowID         string            `json:"workflow_id"`
	Status             ExecutionStatus   `json:"status"`
	Progress           float64           `json:"progress"`
	CurrentStep        string            `json:"current_step"`
	SessionAssignments map[string]string `json:"session_assignments"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Copy returns a copy of the checkpoint with its own assignments map.
func (c *Checkpoint) Copy() *Checkpoint {
	assignments := make(map[string]string, len(c.SessionAssignments))
	for stepID, sessionID := range c.SessionAssignments {
		assignments[stepID] = sessionID
	}
	dup := *c
	dup.SessionAssignments = assignments
	return &dup
}
