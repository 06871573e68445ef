package engine

import (
	"fmt"
	"strings"
	"time"
)

// StageName identifies an independently-locked unit of infrastructure state.
type StageName string

const (
	// StageSetup holds foundational resources: networking, registry, cluster,
	// database, identity policies. Applied first.
	StageSetup StageName = "setup"

	// StageDeploy holds workload-facing resources that reference setup-stage
	// outputs. Applied only after setup has committed.
	StageDeploy StageName = "deploy"
)

// StageOrder returns all stages in their fixed dependency order.
func StageOrder() []StageName {
	return []StageName{StageSetup, StageDeploy}
}

// Validate checks if the stage name is valid.
func (s StageName) Validate() error {
	switch s {
	case StageSetup, StageDeploy:
		return nil
	default:
		return NewPermanentError(fmt.Sprintf("invalid stage: %s", s), nil).
			WithCode(ErrCodeValidation)
	}
}

// Before reports whether s must be applied before other.
func (s StageName) Before(other StageName) bool {
	return s == StageSetup && other == StageDeploy
}

// ResourceNode is a single named resource in a stage's desired graph.
type ResourceNode struct {
	// Name uniquely identifies the node within its stage.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the resource type (e.g. "network.vpc", "cluster.service").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Attrs is the desired attribute set for this resource.
	Attrs map[string]interface{} `json:"attrs,omitempty" yaml:"attrs,omitempty"`

	// Immutable lists attribute keys that cannot be changed in place.
	// A diff on one of these forces a destroy-and-recreate.
	Immutable []string `json:"immutable,omitempty" yaml:"immutable,omitempty"`

	// DependsOn lists node references this node depends on. A reference is
	// either a bare node name (same stage) or "stage:name" for an earlier
	// stage's output.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// SplitRef splits a dependency reference into its stage qualifier (empty for
// same-stage references) and node name.
func SplitRef(ref string) (StageName, string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return StageName(ref[:i]), ref[i+1:]
	}
	return "", ref
}

// ResourceGraph is a stage's set of resource nodes with dependency edges.
type ResourceGraph struct {
	// Stage is the stage this graph belongs to.
	Stage StageName `json:"stage" yaml:"stage"`

	// Nodes are the resources in this graph. Order is not significant;
	// the planner topologically orders them.
	Nodes []ResourceNode `json:"nodes" yaml:"nodes"`

	// Version is the backend's version of this graph when read from state.
	// Zero for desired graphs that have never been applied.
	Version int64 `json:"version,omitempty" yaml:"-"`
}

// Node returns the node with the given name, or nil.
func (g *ResourceGraph) Node(name string) *ResourceNode {
	for i := range g.Nodes {
		if g.Nodes[i].Name == name {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Validate checks structural invariants: unique node names, dependency
// references resolvable, and cross-stage references only to earlier stages.
func (g *ResourceGraph) Validate() error {
	if err := g.Stage.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" {
			return NewPermanentError("resource node has empty name", nil).
				WithCode(ErrCodeValidation).WithStage(g.Stage)
		}
		if seen[n.Name] {
			return NewPermanentError(fmt.Sprintf("duplicate resource node: %s", n.Name), nil).
				WithCode(ErrCodeValidation).WithStage(g.Stage)
		}
		seen[n.Name] = true
	}

	for _, n := range g.Nodes {
		for _, ref := range n.DependsOn {
			stage, name := SplitRef(ref)
			if stage == "" || stage == g.Stage {
				if !seen[name] {
					return NewPermanentError(
						fmt.Sprintf("node %s depends on unknown node %s", n.Name, name), nil).
						WithCode(ErrCodeValidation).WithStage(g.Stage).WithNode(n.Name)
				}
				continue
			}
			// Cross-stage references may only point at earlier stages.
			if err := stage.Validate(); err != nil {
				return err
			}
			if !stage.Before(g.Stage) {
				return NewPermanentError(
					fmt.Sprintf("node %s references %s output %s from a later stage", n.Name, stage, name), nil).
					WithCode(ErrCodeValidation).WithStage(g.Stage).WithNode(n.Name)
			}
		}
	}

	return nil
}

// PlanAction is the classified action for one node in a plan.
type PlanAction string

const (
	// ActionCreate indicates the node does not exist and will be created.
	ActionCreate PlanAction = "create"

	// ActionUpdate indicates the node exists and mutable attributes changed.
	ActionUpdate PlanAction = "update"

	// ActionDestroy indicates the node exists but is no longer desired.
	ActionDestroy PlanAction = "destroy"

	// ActionRecreate indicates an immutable attribute changed; the node is
	// destroyed and created again. Always surfaced as destructive.
	ActionRecreate PlanAction = "recreate"

	// ActionNoop indicates the node already matches the desired state.
	ActionNoop PlanAction = "noop"
)

// IsDestructive reports whether this action destroys an existing resource.
func (a PlanAction) IsDestructive() bool {
	return a == ActionDestroy || a == ActionRecreate
}

// Validate checks if the plan action is valid.
func (a PlanAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDestroy, ActionRecreate, ActionNoop:
		return nil
	default:
		return NewPermanentError(fmt.Sprintf("invalid plan action: %s", a), nil).
			WithCode(ErrCodeValidation)
	}
}

// AttrChange describes a single attribute difference.
type AttrChange struct {
	// Path is the attribute key being changed.
	Path string `json:"path" yaml:"path"`

	// Before is the observed value, nil on create.
	Before interface{} `json:"before,omitempty" yaml:"before,omitempty"`

	// After is the desired value, nil on destroy.
	After interface{} `json:"after,omitempty" yaml:"after,omitempty"`
}

// NodeDiff is the planned action for one resource node.
type NodeDiff struct {
	// Name is the resource node name.
	Name string `json:"name" yaml:"name"`

	// Type is the resource type.
	Type string `json:"type" yaml:"type"`

	// Action is the classified action.
	Action PlanAction `json:"action" yaml:"action"`

	// Changes lists the attribute differences behind the action.
	Changes []AttrChange `json:"changes,omitempty" yaml:"changes,omitempty"`

	// Desired is the full desired attribute set, nil on destroy.
	Desired map[string]interface{} `json:"desired,omitempty" yaml:"desired,omitempty"`
}

// DiffSummary provides per-action counts for a plan.
type DiffSummary struct {
	Total    int `json:"total" yaml:"total"`
	Create   int `json:"create" yaml:"create"`
	Update   int `json:"update" yaml:"update"`
	Destroy  int `json:"destroy" yaml:"destroy"`
	Recreate int `json:"recreate" yaml:"recreate"`
	Noop     int `json:"noop" yaml:"noop"`
}

// PlanDiff is the computed difference between a stage's desired and observed
// graphs. Nodes are in apply order: creates and updates in topological order,
// then destroys in reverse topological order.
type PlanDiff struct {
	// Stage is the stage this plan applies to.
	Stage StageName `json:"stage" yaml:"stage"`

	// Nodes are the per-node diffs in apply order.
	Nodes []NodeDiff `json:"nodes" yaml:"nodes"`

	// Summary provides action counts.
	Summary DiffSummary `json:"summary" yaml:"summary"`

	// BaseVersion is the observed state version this plan was computed
	// against, used to detect divergence at apply time.
	BaseVersion int64 `json:"base_version" yaml:"base_version"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Destructive reports whether the plan contains any destroy or recreate.
func (p *PlanDiff) Destructive() bool {
	return p.Summary.Destroy > 0 || p.Summary.Recreate > 0
}

// AllNoop reports whether the plan changes nothing.
func (p *PlanDiff) AllNoop() bool {
	return p.Summary.Total == p.Summary.Noop
}

// LockHandle is proof of exclusive ownership of a stage's state.
type LockHandle struct {
	// Stage is the locked stage.
	Stage StageName `json:"stage"`

	// Token is the opaque lock token; writes must present it.
	Token string `json:"token"`

	// Holder identifies who acquired the lock.
	Holder string `json:"holder"`

	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is when the lock lapses if not released.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed at the given time.
func (l *LockHandle) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// CredentialScope is a time-boxed, action-limited capability token. It is
// never persisted beyond process lifetime.
type CredentialScope struct {
	// Stage is the stage the scope is bound to.
	Stage StageName `json:"stage"`

	// Actions is the granted action set, e.g. "setup:apply".
	Actions []string `json:"actions"`

	// Token is the opaque capability token.
	Token string `json:"-"`

	// IssuedAt is when the scope was issued.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the scope self-expires. Enforced even mid-operation.
	ExpiresAt time.Time `json:"expires_at"`
}

// Allows reports whether the scope grants the given action.
func (s *CredentialScope) Allows(action string) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Expired reports whether the scope has lapsed at the given time.
func (s *CredentialScope) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Artifact is an immutable, content-addressed build output. Once published an
// artifact reference is never mutated; new builds get new addresses.
type Artifact struct {
	// SourceRef is the source input the artifact was built from
	// (commit SHA or build context path).
	SourceRef string `json:"source_ref" yaml:"source_ref"`

	// Tag is the human-readable tag (commit SHA or branch).
	Tag string `json:"tag" yaml:"tag"`

	// Digest is the content address, e.g. "sha256:...".
	Digest string `json:"digest" yaml:"digest"`

	// Location is the registry location confirmed by the registry, valid
	// only after a confirmed-write acknowledgment.
	Location string `json:"location" yaml:"location"`

	// PublishedAt is when the registry confirmed the write.
	PublishedAt time.Time `json:"published_at" yaml:"published_at"`
}

// StagePlanResult records the outcome of planning and applying one stage.
type StagePlanResult struct {
	// Summary is the plan's action counts.
	Summary DiffSummary `json:"summary"`

	// Applied reports whether the stage apply committed.
	Applied bool `json:"applied"`
}

// DeploymentRecord is the outcome of one end-to-end run. Created at run
// start, finalized at run end; immutable after finalization.
type DeploymentRecord struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`

	// State is the run's current (or final) state.
	State RunState `json:"state"`

	// StagePlans maps stage name to its plan/apply outcome.
	StagePlans map[StageName]StagePlanResult `json:"stage_plans,omitempty"`

	// Artifact is the artifact published by this run, if any.
	Artifact *Artifact `json:"artifact,omitempty"`

	// PreviousArtifact is the workload's artifact before this run, recorded
	// so a rollback target always exists.
	PreviousArtifact *Artifact `json:"previous_artifact,omitempty"`

	// RolloutID identifies the rollout issued during RollingOut.
	RolloutID string `json:"rollout_id,omitempty"`

	// Failure carries the error that terminated the run, if any.
	Failure string `json:"failure,omitempty"`

	// FailureCode is the engine error code of the failure, if any.
	FailureCode string `json:"failure_code,omitempty"`

	// FailureStage is the stage the failure occurred in, if any.
	FailureStage StageName `json:"failure_stage,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// FinalizedAt is when the run reached a terminal state.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	finalized bool
}

// NewDeploymentRecord creates a record for a run starting now.
func NewDeploymentRecord(id string, now time.Time) *DeploymentRecord {
	return &DeploymentRecord{
		ID:         id,
		State:      StatePlanning,
		StagePlans: make(map[StageName]StagePlanResult),
		StartedAt:  now,
	}
}

// Finalize marks the record terminal. Further mutation attempts panic, which
// guards the immutability invariant in tests.
func (r *DeploymentRecord) Finalize(state RunState, now time.Time) {
	if r.finalized {
		panic("deployment record already finalized")
	}
	if !state.IsTerminal() {
		panic(fmt.Sprintf("cannot finalize record in non-terminal state %s", state))
	}
	r.State = state
	t := now
	r.FinalizedAt = &t
	r.finalized = true
}

// Finalized reports whether the record has been finalized.
func (r *DeploymentRecord) Finalized() bool {
	return r.finalized
}

// SetFailure records the terminating error's context on the record.
func (r *DeploymentRecord) SetFailure(err error, stage StageName) {
	if r.finalized {
		panic("deployment record already finalized")
	}
	if err == nil {
		return
	}
	r.Failure = err.Error()
	r.FailureCode = CodeOf(err)
	r.FailureStage = stage
}

// HealthStatus is the workload health reported by the runtime control plane.
type HealthStatus string

const (
	// HealthHealthy indicates the workload passes its health checks.
	HealthHealthy HealthStatus = "healthy"

	// HealthUnhealthy indicates the workload fails its health checks.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStarting indicates health checks have not stabilized yet.
	HealthStarting HealthStatus = "starting"

	// HealthUnknown indicates health could not be determined.
	HealthUnknown HealthStatus = "unknown"
)
