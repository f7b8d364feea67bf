package director

import (
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new unique execution ID
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// Execution is one run instance of a workflow. All mutable state lives
// behind a single RWMutex. Only the runner that owns the execution, plus
// the pause/resume/cancel/recover control operations, mutates it.
type Execution struct {
	mutex sync.RWMutex

	id                 string
	workflowID         string
	workflowName       string
	priority           Priority
	status             ExecutionStatus
	steps              []*Step
	stepsByID          map[string]*Step
	currentStep        string
	progress           float64
	sessionAssignments map[string]string
	checkpoints        []*Checkpoint
	errorLog           []string
	inputs             map[string]any
	result             map[string]any
	enqueuedAt         time.Time
	startedAt          time.Time
	completedAt        time.Time
}

// newExecution creates a pending execution for a workflow definition with
// its own copies of the definition's steps.
func newExecution(definition *Definition, inputs map[string]any, priority Priority) *Execution {
	steps := definition.CloneSteps()
	stepsByID := make(map[string]*Step, len(steps))
	for _, step := range steps {
		stepsByID[step.ID] = step
	}
	return &Execution{
		id:                 NewExecutionID(),
		workflowID:         definition.ID(),
		workflowName:       definition.Name(),
		priority:           priority,
		status:             ExecutionStatusPending,
		steps:              steps,
		stepsByID:          stepsByID,
		sessionAssignments: map[string]string{},
		inputs:             copyMap(inputs),
		result:             map[string]any{},
		enqueuedAt:         time.Now(),
	}
}

// ID returns the execution ID
func (e *Execution) ID() string {
	return e.id
}

// WorkflowID returns the ID of the workflow this execution runs
func (e *Execution) WorkflowID() string {
	return e.workflowID
}

// Priority returns the priority the execution was enqueued with
func (e *Execution) Priority() Priority {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.priority
}

// Status returns the current execution status
func (e *Execution) Status() ExecutionStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.status
}

// SetStatus updates the execution status
func (e *Execution) SetStatus(status ExecutionStatus) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.status = status
}

// CurrentStep returns the ID of the step the execution is currently on
func (e *Execution) CurrentStep() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.currentStep
}

// SetCurrentStep updates the current step marker
func (e *Execution) SetCurrentStep(stepID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.currentStep = stepID
}

// Progress returns the completed-step fraction in [0,1]
func (e *Execution) Progress() float64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.progress
}

// SetProgress updates the progress fraction
func (e *Execution) SetProgress(progress float64) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.progress = progress
}

// Inputs returns a copy of the execution's input data
func (e *Execution) Inputs() map[string]any {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return copyMap(e.inputs)
}

// Steps returns the execution's steps in declaration order. Callers other
// than the owning runner must treat the steps as read-only and should
// prefer UpdateStep for mutation.
func (e *Execution) Steps() []*Step {
	return e.steps
}

// StepByID returns a copy of a step's current state.
func (e *Execution) StepByID(stepID string) (*Step, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	step, ok := e.stepsByID[stepID]
	if !ok {
		return nil, false
	}
	return step.Copy(), true
}

// UpdateStep applies a mutation to a step under the execution lock.
func (e *Execution) UpdateStep(stepID string, fn func(*Step)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if step, ok := e.stepsByID[stepID]; ok {
		fn(step)
	}
}

// CompletedStepIDs returns the set of step IDs currently marked completed.
func (e *Execution) CompletedStepIDs() map[string]bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	completed := map[string]bool{}
	for _, step := range e.steps {
		if step.Status == StepStatusCompleted {
			completed[step.ID] = true
		}
	}
	return completed
}

// AssignSession records a step-to-session assignment.
func (e *Execution) AssignSession(stepID, sessionID string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.sessionAssignments[stepID] = sessionID
}

// SessionAssignments returns a copy of the step-to-session assignments.
func (e *Execution) SessionAssignments() map[string]string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return copyAssignments(e.sessionAssignments)
}

// AssignedSessionIDs returns the distinct session IDs held by the execution.
func (e *Execution) AssignedSessionIDs() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	seen := map[string]bool{}
	var ids []string
	for _, sessionID := range e.sessionAssignments {
		if !seen[sessionID] {
			seen[sessionID] = true
			ids = append(ids, sessionID)
		}
	}
	return ids
}

// AppendError appends a message to the execution error log.
func (e *Execution) AppendError(message string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.errorLog = append(e.errorLog, message)
}

// ErrorLog returns a copy of the execution error log.
func (e *Execution) ErrorLog() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	log := make([]string, len(e.errorLog))
	copy(log, e.errorLog)
	return log
}

// SetResult stores a step result in the execution result map.
func (e *Execution) SetResult(stepID string, value any) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.result[stepID] = value
}

// Result returns a copy of the execution result map.
func (e *Execution) Result() map[string]any {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return copyMap(e.result)
}

// MarkStarted stamps the start time if not already set.
func (e *Execution) MarkStarted() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.startedAt.IsZero() {
		e.startedAt = time.Now()
	}
}

// MarkCompleted stamps the completion time.
func (e *Execution) MarkCompleted() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.completedAt = time.Now()
}

// StartedAt returns when the execution started running
func (e *Execution) StartedAt() time.Time {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.startedAt
}

// CompletedAt returns when the execution reached a terminal state
func (e *Execution) CompletedAt() time.Time {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.completedAt
}

// AppendCheckpoint appends a checkpoint, evicting the oldest once the ring
// exceeds MaxCheckpointsPerExecution.
func (e *Execution) AppendCheckpoint() *Checkpoint {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	checkpoint := &Checkpoint{
		ExecutionID:        e.id,
		WorkflowID:         e.workflowID,
		Status:             e.status,
		Progress:           e.progress,
		CurrentStep:        e.currentStep,
		SessionAssignments: copyAssignments(e.sessionAssignments),
		Timestamp:          time.Now(),
	}
	e.checkpoints = append(e.checkpoints, checkpoint)
	if len(e.checkpoints) > MaxCheckpointsPerExecution {
		e.checkpoints = e.checkpoints[len(e.checkpoints)-MaxCheckpointsPerExecution:]
	}
	return checkpoint.Copy()
}

// Checkpoints returns copies of the retained checkpoints, oldest first.
func (e *Execution) Checkpoints() []*Checkpoint {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	checkpoints := make([]*Checkpoint, 0, len(e.checkpoints))
	for _, checkpoint := range e.checkpoints {
		checkpoints = append(checkpoints, checkpoint.Copy())
	}
	return checkpoints
}

// LatestCheckpoint returns the most recent checkpoint, if any.
func (e *Execution) LatestCheckpoint() (*Checkpoint, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if len(e.checkpoints) == 0 {
		return nil, false
	}
	return e.checkpoints[len(e.checkpoints)-1].Copy(), true
}

// RestoreCheckpoint restores status, progress, current step, and session
// assignments from a checkpoint, forcing the status to running.
func (e *Execution) RestoreCheckpoint(checkpoint *Checkpoint) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.status = ExecutionStatusRunning
	e.progress = checkpoint.Progress
	e.currentStep = checkpoint.CurrentStep
	e.sessionAssignments = copyAssignments(checkpoint.SessionAssignments)
	e.completedAt = time.Time{}

	// Failed steps get a fresh retry budget on resumption.
	for _, step := range e.steps {
		if step.Status == StepStatusFailed {
			step.Status = StepStatusPending
			step.RetryCount = 0
			step.ErrorMessage = ""
		}
	}
}

func copyMap(m map[string]any) map[string]any {
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

func copyAssignments(m map[string]string) map[string]string {
	dup := make(map[string]string, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}
