package director

import (
	"sort"
	"sync"
)

// Registry stores immutable workflow definitions keyed by ID.
type Registry struct {
	mutex       sync.RWMutex
	definitions map[string]*Definition
}

// NewRegistry creates a new empty workflow registry
func NewRegistry() *Registry {
	return &Registry{definitions: map[string]*Definition{}}
}

// Create validates a workflow, assigns it a fresh ID, and registers it.
func (r *Registry) Create(opts WorkflowOptions) (string, error) {
	definition, err := NewDefinition(opts)
	if err != nil {
		return "", err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.definitions[definition.ID()] = definition
	return definition.ID(), nil
}

// Get returns a registered workflow definition by ID.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	definition, ok := r.definitions[id]
	if !ok {
		return nil, NewValidationError("workflow %q not found", id)
	}
	return definition, nil
}

// IDs returns the IDs of all registered workflows.
func (r *Registry) IDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
