package director

import (
	"time"
)

// StepStatus represents the current state of a workflow step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)

// Step represents a single step in a workflow. The definition fields (ID
// through MaxRetries) are set at creation; the remaining fields are mutated
// by the runner that owns the execution.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Action       string         `json:"action" yaml:"action"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	RetryCount   int        `json:"retry_count" yaml:"-"`
	Status       StepStatus `json:"status" yaml:"-"`
	Result       any        `json:"result,omitempty" yaml:"-"`
	ErrorMessage string     `json:"error_message,omitempty" yaml:"-"`
	StartedAt    time.Time  `json:"started_at,omitzero" yaml:"-"`
	CompletedAt  time.Time  `json:"completed_at,omitzero" yaml:"-"`
	SessionID    string     `json:"session_id,omitempty" yaml:"-"`
}

// Copy returns a copy of the step with its own parameter and dependency
// collections.
func (s *Step) Copy() *Step {
	parameters := make(map[string]any, len(s.Parameters))
	for k, v := range s.Parameters {
		parameters[k] = v
	}
	dependencies := make([]string, len(s.Dependencies))
	copy(dependencies, s.Dependencies)
	dup := *s
	dup.Parameters = parameters
	dup.Dependencies = dependencies
	return &dup
}
