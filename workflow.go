package director

import (
	"fmt"
	"os"
	"time"

	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"
)

// NewWorkflowID returns a new unique workflow ID
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Priority orders executions in the admission queue. Higher values
// dispatch first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// SessionRequirements declares what sessions a workflow's steps need.
type SessionRequirements struct {
	MinSessions int    `json:"min_sessions,omitempty" yaml:"min_sessions,omitempty"`
	SessionType string `json:"session_type,omitempty" yaml:"session_type,omitempty"`
}

// WorkflowOptions are used to configure a workflow definition.
type WorkflowOptions struct {
	Name                string              `json:"name" yaml:"name"`
	Description         string              `json:"description,omitempty" yaml:"description,omitempty"`
	Steps               []*Step             `json:"steps" yaml:"steps"`
	SessionRequirements SessionRequirements `json:"session_requirements,omitempty" yaml:"session_requirements,omitempty"`
	ParallelExecution   bool                `json:"parallel_execution,omitempty" yaml:"parallel_execution,omitempty"`
	MaxConcurrentSteps  int                 `json:"max_concurrent_steps,omitempty" yaml:"max_concurrent_steps,omitempty"`
	Timeout             time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Priority            Priority            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Metadata            map[string]any      `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Definition is an immutable workflow: a named DAG of steps plus execution
// policy. Created once by the registry and never mutated afterwards.
type Definition struct {
	id                  string
	name                string
	description         string
	steps               []*Step
	sessionRequirements SessionRequirements
	parallelExecution   bool
	maxConcurrentSteps  int
	timeout             time.Duration
	priority            Priority
	metadata            map[string]any
	createdAt           time.Time
}

// NewDefinition returns a validated workflow definition with defaults
// assigned: timeout 300s, per-step max retries 3, priority normal.
func NewDefinition(opts WorkflowOptions) (*Definition, error) {
	if opts.Name == "" {
		return nil, NewValidationError("workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, NewValidationError("workflow steps required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxConcurrentSteps <= 0 {
		opts.MaxConcurrentSteps = 3
	}

	declared := make(map[string]bool, len(opts.Steps))
	steps := make([]*Step, 0, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.ID == "" {
			return nil, NewValidationError("step id required")
		}
		if step.Action == "" {
			return nil, NewValidationError("step %q action required", step.ID)
		}
		if declared[step.ID] {
			return nil, NewValidationError("duplicate step id %q", step.ID)
		}
		declared[step.ID] = true

		dup := step.Copy()
		if dup.Name == "" {
			dup.Name = dup.ID
		}
		if dup.MaxRetries == 0 {
			dup.MaxRetries = 3
		}
		dup.Status = StepStatusPending
		steps = append(steps, dup)
	}
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if !declared[dep] {
				return nil, NewValidationError("step %q depends on undeclared step %q", step.ID, dep)
			}
		}
	}

	return &Definition{
		id:                  NewWorkflowID(),
		name:                opts.Name,
		description:         opts.Description,
		steps:               steps,
		sessionRequirements: opts.SessionRequirements,
		parallelExecution:   opts.ParallelExecution,
		maxConcurrentSteps:  opts.MaxConcurrentSteps,
		timeout:             opts.Timeout,
		priority:            opts.Priority,
		metadata:            opts.Metadata,
		createdAt:           time.Now(),
	}, nil
}

// ID returns the workflow ID
func (d *Definition) ID() string {
	return d.id
}

// Name returns the workflow name
func (d *Definition) Name() string {
	return d.name
}

// Description returns the workflow description
func (d *Definition) Description() string {
	return d.description
}

// Steps returns the workflow's step definitions
func (d *Definition) Steps() []*Step {
	return d.steps
}

// CloneSteps returns fresh per-execution copies of the workflow steps.
func (d *Definition) CloneSteps() []*Step {
	steps := make([]*Step, 0, len(d.steps))
	for _, step := range d.steps {
		steps = append(steps, step.Copy())
	}
	return steps
}

// SessionRequirements returns the workflow's session requirements
func (d *Definition) SessionRequirements() SessionRequirements {
	return d.sessionRequirements
}

// ParallelExecution reports whether the workflow runs its steps in
// bounded-parallel mode.
func (d *Definition) ParallelExecution() bool {
	return d.parallelExecution
}

// MaxConcurrentSteps returns the parallel-mode concurrency bound
func (d *Definition) MaxConcurrentSteps() int {
	return d.maxConcurrentSteps
}

// Timeout returns the workflow timeout
func (d *Definition) Timeout() time.Duration {
	return d.timeout
}

// Priority returns the workflow's default execution priority
func (d *Definition) Priority() Priority {
	return d.priority
}

// Metadata returns the workflow metadata
func (d *Definition) Metadata() map[string]any {
	return d.metadata
}

// CreatedAt returns when the definition was registered
func (d *Definition) CreatedAt() time.Time {
	return d.createdAt
}

// LoadFile loads a workflow definition from a YAML file
func LoadFile(path string) (*Definition, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a workflow definition from a YAML string
func LoadString(data string) (*Definition, error) {
	var opts WorkflowOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return NewDefinition(opts)
}
