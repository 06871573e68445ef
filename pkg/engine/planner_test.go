package engine

import (
	"context"
	"testing"
)

func TestPlanIdenticalGraphsIsAllNoop(t *testing.T) {
	graph := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{Name: "network", Type: "network.vpc", Attrs: map[string]interface{}{"cidr": "10.0.0.0/16"}},
			{Name: "cluster", Type: "cluster.control-plane", Attrs: map[string]interface{}{"size": 3}, DependsOn: []string{"network"}},
		},
	}
	observed := &ResourceGraph{Stage: StageSetup, Nodes: graph.Nodes, Version: 4}

	diff, err := NewPlanner().Plan(context.Background(), graph, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if !diff.AllNoop() {
		t.Errorf("expected all-noop diff, got %+v", diff.Summary)
	}
	if diff.Destructive() {
		t.Error("identical graphs must not be destructive")
	}
	if diff.BaseVersion != 4 {
		t.Errorf("BaseVersion = %d, want 4", diff.BaseVersion)
	}
}

func TestPlanNilObservedIsObservationUnavailable(t *testing.T) {
	desired := &ResourceGraph{Stage: StageSetup}

	_, err := NewPlanner().Plan(context.Background(), desired, nil)
	if !HasCode(err, ErrCodeObservationUnavailable) {
		t.Fatalf("expected OBSERVATION_UNAVAILABLE, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("observation unavailable should be transient")
	}
}

func TestPlanEmptyObservedIsFirstRun(t *testing.T) {
	desired := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{Name: "compute", Type: "cluster.node-pool", DependsOn: []string{"network"}},
			{Name: "network", Type: "network.vpc"},
		},
	}
	observed := &ResourceGraph{Stage: StageSetup}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if diff.Summary.Create != 2 || diff.Summary.Total != 2 {
		t.Fatalf("expected 2 creates, got %+v", diff.Summary)
	}
	// Dependency order: network before compute.
	if diff.Nodes[0].Name != "network" || diff.Nodes[1].Name != "compute" {
		t.Errorf("creates out of dependency order: %s, %s", diff.Nodes[0].Name, diff.Nodes[1].Name)
	}
}

func TestPlanMutableChangeIsUpdate(t *testing.T) {
	desired := &ResourceGraph{
		Stage: StageDeploy,
		Nodes: []ResourceNode{
			{Name: "app", Type: "cluster.service", Attrs: map[string]interface{}{"replicas": 5}},
		},
	}
	observed := &ResourceGraph{
		Stage: StageDeploy,
		Nodes: []ResourceNode{
			{Name: "app", Type: "cluster.service", Attrs: map[string]interface{}{"replicas": 3}},
		},
	}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if diff.Nodes[0].Action != ActionUpdate {
		t.Fatalf("action = %s, want update", diff.Nodes[0].Action)
	}
	changes := diff.Nodes[0].Changes
	if len(changes) != 1 || changes[0].Path != "replicas" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestPlanImmutableChangeIsRecreate(t *testing.T) {
	desired := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{
				Name: "network", Type: "network.vpc",
				Attrs:     map[string]interface{}{"cidr": "10.1.0.0/16", "dns": true},
				Immutable: []string{"cidr"},
			},
		},
	}
	observed := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{
				Name: "network", Type: "network.vpc",
				Attrs:     map[string]interface{}{"cidr": "10.0.0.0/16", "dns": true},
				Immutable: []string{"cidr"},
			},
		},
	}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if diff.Nodes[0].Action != ActionRecreate {
		t.Fatalf("action = %s, want recreate", diff.Nodes[0].Action)
	}
	if !diff.Destructive() {
		t.Error("recreate must surface as destructive")
	}
}

func TestPlanTypeChangeIsRecreate(t *testing.T) {
	desired := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{{Name: "db", Type: "database.postgres", Attrs: map[string]interface{}{"size": "small"}}},
	}
	observed := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{{Name: "db", Type: "database.mysql", Attrs: map[string]interface{}{"size": "small"}}},
	}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if diff.Nodes[0].Action != ActionRecreate {
		t.Errorf("action = %s, want recreate", diff.Nodes[0].Action)
	}
}

func TestPlanDestroyWithDependentIsConflict(t *testing.T) {
	desired := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{Name: "cluster", Type: "cluster.control-plane", DependsOn: []string{"network"}},
		},
	}
	// network is no longer desired but cluster still depends on it; the
	// desired graph itself is invalid, which surfaces as validation.
	observed := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{Name: "network", Type: "network.vpc"},
			{Name: "cluster", Type: "cluster.control-plane", DependsOn: []string{"network"}},
		},
	}

	_, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err == nil {
		t.Fatal("expected error for destroy with live dependent")
	}
}

func TestPlanDestroysInReverseTopologicalOrder(t *testing.T) {
	desired := &ResourceGraph{Stage: StageSetup}
	observed := &ResourceGraph{
		Stage: StageSetup,
		Nodes: []ResourceNode{
			{Name: "network", Type: "network.vpc"},
			{Name: "cluster", Type: "cluster.control-plane", DependsOn: []string{"network"}},
			{Name: "service", Type: "cluster.service", DependsOn: []string{"cluster"}},
		},
		Version: 7,
	}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if diff.Summary.Destroy != 3 {
		t.Fatalf("expected 3 destroys, got %+v", diff.Summary)
	}
	names := []string{diff.Nodes[0].Name, diff.Nodes[1].Name, diff.Nodes[2].Name}
	want := []string{"service", "cluster", "network"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("destroy order = %v, want %v", names, want)
		}
	}
}

func TestPlanNumericEquivalenceAcrossDecoders(t *testing.T) {
	// YAML decodes 3 as int, JSON state decodes it as float64. Both must
	// compare equal so re-plans do not produce phantom updates.
	desired := &ResourceGraph{
		Stage: StageDeploy,
		Nodes: []ResourceNode{{Name: "app", Type: "cluster.service", Attrs: map[string]interface{}{"replicas": 3}}},
	}
	observed := &ResourceGraph{
		Stage: StageDeploy,
		Nodes: []ResourceNode{{Name: "app", Type: "cluster.service", Attrs: map[string]interface{}{"replicas": float64(3)}}},
	}

	diff, err := NewPlanner().Plan(context.Background(), desired, observed)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !diff.AllNoop() {
		t.Errorf("expected noop for numerically equal attrs, got %+v", diff.Summary)
	}
}

func TestCheckCrossStageConflict(t *testing.T) {
	setupDiff := &PlanDiff{
		Stage: StageSetup,
		Nodes: []NodeDiff{{Name: "registry", Type: "registry.repo", Action: ActionDestroy}},
	}
	deployDesired := &ResourceGraph{
		Stage: StageDeploy,
		Nodes: []ResourceNode{
			{Name: "app", Type: "cluster.service", DependsOn: []string{"setup:registry"}},
		},
	}

	err := CheckCrossStageConflict(setupDiff, deployDesired)
	if !HasCode(err, ErrCodeDependencyConflict) {
		t.Fatalf("expected DEPENDENCY_CONFLICT, got %v", err)
	}
	if !IsConflict(err) {
		t.Error("cross-stage conflict should be conflict class")
	}

	// No destroys, no conflict.
	if err := CheckCrossStageConflict(&PlanDiff{Stage: StageSetup}, deployDesired); err != nil {
		t.Errorf("expected nil for non-destructive setup diff, got %v", err)
	}
}
