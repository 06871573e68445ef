package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// Engine implements engine.PolicyEvaluator with Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// policyInput is the document policies evaluate against.
type policyInput struct {
	Plan *engine.PlanDiff `json:"plan"`
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range GetBuiltinPolicies() {
		policy := p
		e.policies[policy.Name] = &policy
	}
	return e
}

// SetPolicies replaces the loaded file-based policies, keeping built-ins.
// Called by the loader on initial load and on hot reload.
func (e *Engine) SetPolicies(policies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range e.policies {
		if !isBuiltin(name) {
			delete(e.policies, name)
		}
	}
	for _, p := range policies {
		policy := p
		policy.LoadedAt = time.Now()
		e.policies[policy.Name] = &policy
	}
	e.logger.Info().Int("count", len(policies)).Msg("policies loaded")
}

// EvaluatePlan implements engine.PolicyEvaluator. Violations from any policy
// deny the plan; approval requirements accumulate.
func (e *Engine) EvaluatePlan(ctx context.Context, diff *engine.PlanDiff) (*engine.PolicyDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := policyInput{Plan: diff}
	decision := &engine.PolicyDecision{}

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}

		pkg := extractPackageName(p.Rego)

		denies, err := e.queryStrings(ctx, p, fmt.Sprintf("data.%s.deny", pkg), input)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("policy %s evaluation failed", p.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
		decision.Violations = append(decision.Violations, denies...)

		approvals, err := e.queryStrings(ctx, p, fmt.Sprintf("data.%s.require_approval", pkg), input)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("policy %s evaluation failed", p.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
		if len(approvals) > 0 {
			decision.RequiresApproval = true
		}
	}

	if len(decision.Violations) > 0 || decision.RequiresApproval {
		e.logger.Debug().
			Str("stage", string(diff.Stage)).
			Int("violations", len(decision.Violations)).
			Bool("requires_approval", decision.RequiresApproval).
			Msg("plan policy evaluation completed")
	}
	return decision, nil
}

// queryStrings evaluates one query and flattens the resulting set into
// strings. An undefined result (the rule does not exist) is empty.
func (e *Engine) queryStrings(ctx context.Context, p *Policy, query string, input interface{}) ([]string, error) {
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				switch v := item.(type) {
				case string:
					out = append(out, v)
				case map[string]interface{}:
					if msg, ok := v["message"].(string); ok {
						out = append(out, msg)
					}
				}
			}
		}
	}
	return out, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stagecoach.policies"
}

func isBuiltin(name string) bool {
	for _, p := range GetBuiltinPolicies() {
		if p.Name == name {
			return true
		}
	}
	return false
}
