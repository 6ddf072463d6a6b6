package orchestrate

import (
	"fmt"
	"sort"

	"github.com/tidwall/btree"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Plan is an ordered, non-empty sequence of uniquely named steps defining a
// saga's work. Within one saga the order is strict: step i+1 never starts
// before step i's forward action is durably recorded as succeeded.
type Plan struct {
	name  string
	steps []Step
}

// Name returns the plan's name.
func (p *Plan) Name() string {
	return p.name
}

// Steps returns the steps in execution order.
func (p *Plan) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// StepNames returns the step names in execution order. This is the shape
// persisted in the saga log's plan record.
func (p *Plan) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Record returns the durable representation of the plan.
func (p *Plan) Record() PlanRecord {
	return PlanRecord{Name: p.name, Steps: p.StepNames()}
}

// PlanBuilder assembles a Plan.
//
// Callers use the builder by appending a sequence of steps. Appending builds
// up a dependency graph where each step depends on the one added before it;
// Build derives the execution order from the graph with a stabilized
// topological sort, so the ordering decision lives in one place and a
// malformed graph (duplicate node, cycle) is rejected rather than executed.
type PlanBuilder struct {
	planName string
	registry *StepRegistry

	g     *simple.DirectedGraph
	byID  map[int64]Step
	last  graph.Node
	names btree.Set[string]
}

// NewPlanBuilder creates a builder for a plan with the given name. Appended
// steps are auto-registered in the registry so the plan can be rebuilt from
// the log at recovery.
func NewPlanBuilder(planName string, registry *StepRegistry) *PlanBuilder {
	return &PlanBuilder{
		planName: planName,
		registry: registry,
		g:        simple.NewDirectedGraph(),
		byID:     make(map[int64]Step),
	}
}

// Append adds one step after all previously appended steps.
func (b *PlanBuilder) Append(step Step) error {
	name := step.Name()
	if name == "" {
		return fmt.Errorf("plan %q: step with empty name", b.planName)
	}
	if b.names.Contains(name) {
		return fmt.Errorf("plan %q: step with name %q already exists", b.planName, name)
	}
	b.names.Insert(name)

	if b.registry != nil {
		if _, err := b.registry.Get(name); err != nil {
			if regErr := b.registry.Register(step); regErr != nil {
				return fmt.Errorf("plan %q: registering step %q: %w", b.planName, name, regErr)
			}
		}
	}

	node := b.g.NewNode()
	b.g.AddNode(node)
	b.byID[node.ID()] = step
	if b.last != nil {
		b.g.SetEdge(simple.Edge{F: b.last, T: node})
	}
	b.last = node
	return nil
}

// Build validates the graph and returns the Plan.
func (b *PlanBuilder) Build() (*Plan, error) {
	if len(b.byID) == 0 {
		return nil, fmt.Errorf("plan %q: empty plan", b.planName)
	}

	sorted, err := topo.SortStabilized(b.g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("plan %q: ordering steps: %w", b.planName, err)
	}

	steps := make([]Step, len(sorted))
	for i, node := range sorted {
		steps[i] = b.byID[node.ID()]
	}

	return &Plan{name: b.planName, steps: steps}, nil
}

// NewPlan builds a plan from steps in the given order. It is shorthand for a
// builder with one Append per step.
func NewPlan(planName string, registry *StepRegistry, steps ...Step) (*Plan, error) {
	b := NewPlanBuilder(planName, registry)
	for _, s := range steps {
		if err := b.Append(s); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// NewPlanFromRecord rebuilds a plan from its durable record, resolving step
// names through the registry. Used when resuming sagas from the log.
func NewPlanFromRecord(rec PlanRecord, registry *StepRegistry) (*Plan, error) {
	b := NewPlanBuilder(rec.Name, registry)
	for _, name := range rec.Steps {
		step, err := registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", rec.Name, err)
		}
		if err := b.Append(step); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
