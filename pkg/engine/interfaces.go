package engine

import (
	"context"
	"time"
)

// StateBackend manages remote, lockable storage of provisioning state,
// partitioned into independent stages. Exactly one writer holds a stage's
// lock at any time; all writes are read-modify-write under that lock.
type StateBackend interface {
	// AcquireLock obtains exclusive ownership of a stage's state. Acquisition
	// retries with bounded backoff; when the lock stays held it fails with
	// LockContention rather than blocking indefinitely.
	AcquireLock(ctx context.Context, stage StageName, holder string, ttl time.Duration) (*LockHandle, error)

	// ReadState returns the stage's last-applied resource graph. A stage that
	// has never been applied yields an empty (non-nil) graph; a backend that
	// cannot be reached yields an ObservationUnavailable error.
	ReadState(ctx context.Context, stage StageName) (*ResourceGraph, error)

	// WriteState atomically replaces the stage's state. Fails with StaleLock
	// if the presented lock has expired or was not issued by this backend.
	WriteState(ctx context.Context, stage StageName, graph *ResourceGraph, lock *LockHandle) error

	// Release relinquishes the lock. Releasing an expired lock is a no-op.
	Release(ctx context.Context, lock *LockHandle) error
}

// ScopeResolver derives least-privilege, time-boxed credentials for a
// pipeline stage. Issuance is audit-logged; scopes self-expire and are never
// extended in place.
type ScopeResolver interface {
	// Resolve issues a scope for the requested actions, failing with
	// ScopeDenied when they exceed the stage's configured action set.
	Resolve(ctx context.Context, stage StageName, actions []string, ttl time.Duration) (*CredentialScope, error)

	// Release revokes the scope before its natural expiry. Called on every
	// exit path of the operation that requested it.
	Release(ctx context.Context, scope *CredentialScope) error
}

// Publisher builds and uploads a tagged, content-addressed container image.
// Publish is idempotent for a given (sourceRef, tag) pair, and the returned
// location is only valid once the registry acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, sourceRef, tag string) (*Artifact, error)
}

// Runtime is the workload runtime control plane.
type Runtime interface {
	// UpdateService issues a rolling update of the workload to the given
	// artifact and returns an identifier for polling the rollout.
	UpdateService(ctx context.Context, workloadRef string, artifact *Artifact) (string, error)

	// Health reports the health of a previously issued rollout.
	Health(ctx context.Context, rolloutID string) (HealthStatus, error)

	// CurrentArtifact returns the artifact the workload currently runs, or
	// nil when the workload does not exist yet.
	CurrentArtifact(ctx context.Context, workloadRef string) (*Artifact, error)
}

// StageApplier mutates real infrastructure for one node diff. Appliers must
// be idempotent: re-applying an already-applied diff is safe, which is what
// makes partially applied setup stages safe to retry.
type StageApplier interface {
	ApplyNode(ctx context.Context, stage StageName, diff NodeDiff) error
}

// Recorder persists deployment records.
type Recorder interface {
	// SaveRecord inserts or updates the record. Called at run start, on
	// every state transition, and at finalization.
	SaveRecord(ctx context.Context, record *DeploymentRecord) error
}

// PolicyDecision is the outcome of evaluating a plan against policy.
type PolicyDecision struct {
	// RequiresApproval indicates the plan may not proceed to apply without
	// explicit operator confirmation.
	RequiresApproval bool

	// Violations lists policy rules the plan breaks outright.
	Violations []string
}

// PolicyEvaluator decides whether a plan needs approval or is denied.
type PolicyEvaluator interface {
	EvaluatePlan(ctx context.Context, diff *PlanDiff) (*PolicyDecision, error)
}

// Approver obtains operator confirmation for destructive plans. The engine
// never auto-approves; a nil response or error halts the run.
type Approver interface {
	Approve(ctx context.Context, diffs []*PlanDiff) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, diffs []*PlanDiff) (bool, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, diffs []*PlanDiff) (bool, error) {
	return f(ctx, diffs)
}
