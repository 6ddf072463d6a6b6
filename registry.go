package orchestrate

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepRegistry is a registry of saga steps shared across sagas.
//
// Steps are identified by name. Plans are persisted in the saga log as
// ordered lists of step names; when a saga is reloaded from storage, the
// concrete Step type has been erased and the name is the only handle left to
// recover it. Every step must therefore be registered before sagas that use
// it can be submitted or recovered.
type StepRegistry struct {
	steps *xsync.MapOf[string, Step]
}

// NewStepRegistry creates a new StepRegistry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		steps: xsync.NewMapOf[string, Step](),
	}
}

// Register adds a step to the registry.
func (r *StepRegistry) Register(step Step) error {
	if _, ok := r.steps.Load(step.Name()); ok {
		return fmt.Errorf("step with name %q already registered", step.Name())
	}
	r.steps.Store(step.Name(), step)
	return nil
}

// Get retrieves a step from the registry by its name.
func (r *StepRegistry) Get(name string) (Step, error) {
	step, ok := r.steps.Load(name)
	if !ok {
		return nil, fmt.Errorf("step %q not registered", name)
	}
	return step, nil
}
