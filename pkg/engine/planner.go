package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Planner computes the difference between a stage's desired and observed
// resource graphs.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan compares desired against observed and classifies every node as
// create, update, destroy, recreate or noop.
//
// observed must be the state actually read from the backend; callers pass
// nil when the backend could not be read, and planning fails with
// ObservationUnavailable rather than assuming an empty prior state, since
// that would risk spurious destroys. A first run is represented by a
// non-nil observed graph with no nodes.
func (p *Planner) Plan(ctx context.Context, desired, observed *ResourceGraph) (*PlanDiff, error) {
	if desired == nil {
		return nil, NewPermanentError("desired graph is nil", nil).
			WithCode(ErrCodeValidation)
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}
	if observed == nil {
		return nil, NewTransientError("observed state unavailable", nil).
			WithCode(ErrCodeObservationUnavailable).
			WithStage(desired.Stage).
			WithOperation("plan")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sorter := NewGraphSorter()
	ordered, err := sorter.Order(desired)
	if err != nil {
		return nil, err
	}

	diff := &PlanDiff{
		Stage:       desired.Stage,
		Nodes:       make([]NodeDiff, 0, len(desired.Nodes)),
		BaseVersion: observed.Version,
		CreatedAt:   time.Now(),
	}

	// Creates and updates in topological order.
	for _, node := range ordered {
		nd := p.classifyNode(&node, observed.Node(node.Name))
		diff.Nodes = append(diff.Nodes, nd)
	}

	// Destroys: observed nodes no longer desired, in reverse topological
	// order of the observed graph so dependents go before dependencies.
	destroys, err := p.destroyedNodes(desired, observed)
	if err != nil {
		return nil, err
	}
	diff.Nodes = append(diff.Nodes, destroys...)

	for _, nd := range diff.Nodes {
		diff.Summary.Total++
		switch nd.Action {
		case ActionCreate:
			diff.Summary.Create++
		case ActionUpdate:
			diff.Summary.Update++
		case ActionDestroy:
			diff.Summary.Destroy++
		case ActionRecreate:
			diff.Summary.Recreate++
		case ActionNoop:
			diff.Summary.Noop++
		}
	}

	return diff, nil
}

// classifyNode determines the action for a single desired node.
func (p *Planner) classifyNode(desired, observed *ResourceNode) NodeDiff {
	nd := NodeDiff{
		Name:    desired.Name,
		Type:    desired.Type,
		Desired: desired.Attrs,
	}

	if observed == nil {
		nd.Action = ActionCreate
		nd.Changes = attrChanges(nil, desired.Attrs)
		return nd
	}

	if attrsEqual(desired.Attrs, observed.Attrs) && desired.Type == observed.Type {
		nd.Action = ActionNoop
		return nd
	}

	nd.Changes = attrChanges(observed.Attrs, desired.Attrs)

	// A changed immutable attribute (or type) cannot be updated in place.
	// Recreate is chosen over update and surfaced explicitly as destructive.
	if desired.Type != observed.Type || immutableChanged(desired, observed) {
		nd.Action = ActionRecreate
		return nd
	}

	nd.Action = ActionUpdate
	return nd
}

// destroyedNodes classifies observed nodes that are no longer desired.
// A destroy of a node that surviving nodes still depend on is a blocking
// conflict; it is surfaced as an error, never silently cascaded.
func (p *Planner) destroyedNodes(desired, observed *ResourceGraph) ([]NodeDiff, error) {
	removed := make(map[string]bool)
	for _, n := range observed.Nodes {
		if desired.Node(n.Name) == nil {
			removed[n.Name] = true
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	for _, n := range desired.Nodes {
		for _, ref := range n.DependsOn {
			stage, target := SplitRef(ref)
			if stage != "" && stage != desired.Stage {
				continue
			}
			if removed[target] {
				return nil, NewConflictError(
					fmt.Sprintf("cannot destroy %s: node %s still depends on it", target, n.Name), nil).
					WithCode(ErrCodeDependencyConflict).
					WithStage(desired.Stage).
					WithNode(target)
			}
		}
	}

	sorter := NewGraphSorter()
	ordered, err := sorter.Order(observed)
	if err != nil {
		return nil, err
	}

	// Reverse topological order for destroys.
	diffs := make([]NodeDiff, 0, len(removed))
	for i := len(ordered) - 1; i >= 0; i-- {
		node := ordered[i]
		if !removed[node.Name] {
			continue
		}
		diffs = append(diffs, NodeDiff{
			Name:    node.Name,
			Type:    node.Type,
			Action:  ActionDestroy,
			Changes: attrChanges(node.Attrs, nil),
		})
	}

	return diffs, nil
}

// CheckCrossStageConflict verifies that destroying setup-stage nodes does not
// orphan deploy-stage nodes that reference their outputs.
func CheckCrossStageConflict(setupDiff *PlanDiff, deployDesired *ResourceGraph) error {
	if setupDiff == nil || deployDesired == nil {
		return nil
	}

	destroyed := make(map[string]bool)
	for _, nd := range setupDiff.Nodes {
		if nd.Action == ActionDestroy {
			destroyed[nd.Name] = true
		}
	}
	if len(destroyed) == 0 {
		return nil
	}

	for _, n := range deployDesired.Nodes {
		for _, ref := range n.DependsOn {
			stage, target := SplitRef(ref)
			if stage == setupDiff.Stage && destroyed[target] {
				return NewConflictError(
					fmt.Sprintf("cannot destroy %s:%s: deploy node %s references its output",
						setupDiff.Stage, target, n.Name), nil).
					WithCode(ErrCodeDependencyConflict).
					WithStage(setupDiff.Stage).
					WithNode(target)
			}
		}
	}

	return nil
}

// immutableChanged reports whether any attribute the node declares immutable
// differs between desired and observed.
func immutableChanged(desired, observed *ResourceNode) bool {
	for _, key := range desired.Immutable {
		if !valuesEqual(desired.Attrs[key], observed.Attrs[key]) {
			return true
		}
	}
	return false
}

// attrChanges computes the per-key differences between two attribute sets.
func attrChanges(before, after map[string]interface{}) []AttrChange {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	changes := make([]AttrChange, 0, len(sorted))
	for _, k := range sorted {
		b, hasBefore := before[k]
		a, hasAfter := after[k]
		if hasBefore && hasAfter && valuesEqual(b, a) {
			continue
		}
		changes = append(changes, AttrChange{Path: k, Before: b, After: a})
	}
	return changes
}

// attrsEqual compares two attribute sets for semantic equality.
func attrsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// valuesEqual compares two attribute values through a JSON round trip so
// that numeric types and nested structures from different decoders compare
// consistently.
func valuesEqual(a, b interface{}) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var av, bv interface{}
	if err := json.Unmarshal(aj, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(bj, &bv); err != nil {
		return false
	}

	return reflect.DeepEqual(av, bv)
}
