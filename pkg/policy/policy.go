// Package policy evaluates plan diffs against Rego policies before any
// apply starts. Policies can deny a plan outright or demand operator
// approval on top of the built-in destructive-change gate.
package policy

import "time"

// Policy is a single named Rego policy.
type Policy struct {
	// Name identifies the policy; module names must be unique.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. The package must define a `deny` set
	// and may define a `require_approval` set.
	Rego string `json:"rego"`

	// Enabled toggles evaluation without unloading.
	Enabled bool `json:"enabled"`

	// LoadedAt is when the policy was (re)loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// GetBuiltinPolicies returns the policies compiled into the binary.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveApprovalPolicy(),
		protectedNodePolicy(),
		nodeNamingPolicy(),
	}
}

// destructiveApprovalPolicy requires operator approval for any plan that
// destroys or recreates a resource.
func destructiveApprovalPolicy() Policy {
	return Policy{
		Name:        "destructive-approval",
		Description: "Destroys and recreates require operator approval",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package stagecoach.policies.destructive

import rego.v1

require_approval contains reason if {
	some node in input.plan.nodes
	node.action in {"destroy", "recreate"}
	reason := sprintf("%s of %s requires approval", [node.action, node.name])
}
`,
	}
}

// protectedNodePolicy denies destroying nodes marked protected.
func protectedNodePolicy() Policy {
	return Policy{
		Name:        "protected-nodes",
		Description: "Nodes with attrs.protected=true may never be destroyed",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package stagecoach.policies.protected

import rego.v1

deny contains violation if {
	some node in input.plan.nodes
	node.action in {"destroy", "recreate"}
	node.desired.protected == true
	violation := sprintf("node %s is protected and cannot be destroyed", [node.name])
}

deny contains violation if {
	some node in input.plan.nodes
	node.action in {"destroy", "recreate"}
	some change in node.changes
	change.path == "protected"
	change.before == true
	violation := sprintf("node %s is protected and cannot be destroyed", [node.name])
}
`,
	}
}

// nodeNamingPolicy enforces node naming conventions.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Node names must be lowercase alphanumeric with hyphens",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package stagecoach.policies.naming

import rego.v1

deny contains violation if {
	some node in input.plan.nodes
	not regex.match("^[a-z0-9][a-z0-9-]*$", node.name)
	violation := sprintf("node name %q violates naming conventions", [node.name])
}
`,
	}
}
