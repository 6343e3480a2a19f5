package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionContext is handed to service task actions.
type ActionContext struct {
	CaseInstanceID string
	PlanItem       PlanItemInstance
	Variables      map[string]any
	// Set stores case variables written back when the action succeeds.
	Set func(key string, value any)
}

// Action runs the work of a service task. Returning an error aborts the cascade,
// or for async tasks consumes one retry.
type Action func(ctx context.Context, actx ActionContext) error

// ActionRegistry stores named service task actions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register adds an action by name.
func (r *ActionRegistry) Register(name string, action Action) error {
	if name == "" || action == nil {
		return fmt.Errorf("action name and handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions == nil {
		r.actions = make(map[string]Action)
	}
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %s already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Lookup retrieves an action by name.
func (r *ActionRegistry) Lookup(name string) (Action, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.actions[name]
	return act, ok
}

// IDs returns sorted action names.
func (r *ActionRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
