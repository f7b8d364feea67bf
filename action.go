package director

import (
	"context"
)

// sessionActions is the fixed set of action names that drive a remote
// browser and therefore need a session assigned before they execute.
var sessionActions = map[string]bool{
	"navigate":        true,
	"search_jobs":     true,
	"extract_jobs":    true,
	"open_job":        true,
	"fill_form":       true,
	"submit_proposal": true,
	"screenshot":      true,
}

// ActionNeedsSession reports whether an action name requires a session.
func ActionNeedsSession(name string) bool {
	return sessionActions[name]
}

// Invocation carries everything an action needs to perform a step's effect.
type Invocation struct {
	ExecutionID string
	StepID      string
	StepName    string
	ActionName  string
	SessionID   string
	Parameters  map[string]any
	Inputs      map[string]any
	StepResults map[string]any
}

// Action performs the actual effect of a workflow step.
type Action interface {

	// Name returns the name of the Action
	Name() string

	// Execute the Action for the given invocation.
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// ActionFunc is a function that can be used as an action
type ActionFunc struct {
	name string
	fn   func(ctx context.Context, inv *Invocation) (any, error)
}

// NewActionFunc creates a new ActionFunc
func NewActionFunc(name string, fn func(ctx context.Context, inv *Invocation) (any, error)) *ActionFunc {
	return &ActionFunc{name: name, fn: fn}
}

func (a *ActionFunc) Name() string {
	return a.name
}

func (a *ActionFunc) Execute(ctx context.Context, inv *Invocation) (any, error) {
	return a.fn(ctx, inv)
}

// ActionDispatcher executes a step's effect given a session. The
// orchestrator does not enforce step timeouts around this call; dispatchers
// are expected to honor context cancellation cooperatively.
type ActionDispatcher interface {
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// ActionRegistry maps action names to registered actions and dispatches by
// name. Unknown action names fail with a validation error rather than
// silently falling through.
type ActionRegistry struct {
	actions map[string]Action
}

// NewActionRegistry creates a registry from the given actions.
func NewActionRegistry(actions ...Action) *ActionRegistry {
	registry := &ActionRegistry{actions: make(map[string]Action, len(actions))}
	for _, action := range actions {
		registry.actions[action.Name()] = action
	}
	return registry
}

// Register adds an action to the registry, replacing any same-named action.
func (r *ActionRegistry) Register(action Action) {
	r.actions[action.Name()] = action
}

// Get returns a registered action by name.
func (r *ActionRegistry) Get(name string) (Action, bool) {
	action, ok := r.actions[name]
	return action, ok
}

// Execute implements ActionDispatcher.
func (r *ActionRegistry) Execute(ctx context.Context, inv *Invocation) (any, error) {
	action, ok := r.actions[inv.ActionName]
	if !ok {
		return nil, NewValidationError("unknown action %q", inv.ActionName)
	}
	return action.Execute(ctx, inv)
}
