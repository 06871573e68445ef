package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

func planWith(nodes ...engine.NodeDiff) *engine.PlanDiff {
	return &engine.PlanDiff{Stage: engine.StageSetup, Nodes: nodes}
}

func TestDestructivePlanRequiresApproval(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{Name: "legacy-db", Type: "database.mysql", Action: engine.ActionDestroy},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("destroy should require approval")
	}
	if len(decision.Violations) != 0 {
		t.Errorf("unexpected violations: %v", decision.Violations)
	}
}

func TestRecreateRequiresApproval(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{Name: "network", Type: "network.vpc", Action: engine.ActionRecreate},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !decision.RequiresApproval {
		t.Error("recreate should require approval")
	}
}

func TestNonDestructivePlanPasses(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{Name: "app", Type: "cluster.service", Action: engine.ActionCreate},
		engine.NodeDiff{Name: "cache", Type: "cache.redis", Action: engine.ActionUpdate},
		engine.NodeDiff{Name: "dns", Type: "dns.record", Action: engine.ActionNoop},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if decision.RequiresApproval {
		t.Error("non-destructive plan should not require approval")
	}
	if len(decision.Violations) != 0 {
		t.Errorf("unexpected violations: %v", decision.Violations)
	}
}

func TestProtectedNodeDeniesDestroy(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{
			Name: "prod-db", Type: "database.postgres", Action: engine.ActionDestroy,
			Changes: []engine.AttrChange{{Path: "protected", Before: true}},
		},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if len(decision.Violations) == 0 {
		t.Fatal("expected violation for protected node destroy")
	}
}

func TestNamingPolicyDeniesBadNames(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{Name: "Bad_Name", Type: "network.vpc", Action: engine.ActionCreate},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if len(decision.Violations) == 0 {
		t.Fatal("expected naming violation")
	}
}

func TestLoaderLoadsAndEngineAppliesCustomPolicy(t *testing.T) {
	dir := t.TempDir()
	custom := `# Deny plans touching more than two nodes
package custom.blast

import rego.v1

deny contains violation if {
	count(input.plan.nodes) > 2
	violation := "plan touches too many nodes"
}
`
	if err := os.WriteFile(filepath.Join(dir, "blast-radius.rego"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "blast-radius" {
		t.Fatalf("unexpected policies: %+v", policies)
	}
	if policies[0].Description != "Deny plans touching more than two nodes" {
		t.Errorf("description = %q", policies[0].Description)
	}

	e := NewEngine(zerolog.Nop())
	e.SetPolicies(policies)

	decision, err := e.EvaluatePlan(context.Background(), planWith(
		engine.NodeDiff{Name: "a", Type: "t", Action: engine.ActionCreate},
		engine.NodeDiff{Name: "b", Type: "t", Action: engine.ActionCreate},
		engine.NodeDiff{Name: "c", Type: "t", Action: engine.ActionCreate},
	))
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	found := false
	for _, v := range decision.Violations {
		if v == "plan touches too many nodes" {
			found = true
		}
	}
	if !found {
		t.Errorf("custom policy not applied: %v", decision.Violations)
	}
}

func TestLoaderRejectsUnparsablePolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(zerolog.Nop()).LoadDir(dir); err == nil {
		t.Error("expected parse error")
	}
}
