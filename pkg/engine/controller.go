package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metrics receives run outcome observations. Implemented by the telemetry
// package; a nil Metrics disables observation.
type Metrics interface {
	RunFinished(state RunState, duration time.Duration)
}

// ControllerOptions tunes the deployment controller.
type ControllerOptions struct {
	// Holder identifies this controller as a lock holder.
	Holder string

	// LockTTL is the stage lock lifetime.
	LockTTL time.Duration

	// ScopeTTL is the credential scope lifetime.
	ScopeTTL time.Duration

	// HealthTimeout bounds how long RollingOut waits for health to
	// stabilize before triggering automatic rollback.
	HealthTimeout time.Duration

	// HealthInterval is the health polling period.
	HealthInterval time.Duration

	// StableThreshold is the number of consecutive healthy polls required
	// before a rollout is considered stable.
	StableThreshold int
}

// DefaultControllerOptions returns the default options.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		Holder:          "stagecoach",
		LockTTL:         5 * time.Minute,
		ScopeTTL:        10 * time.Minute,
		HealthTimeout:   2 * time.Minute,
		HealthInterval:  5 * time.Second,
		StableThreshold: 3,
	}
}

// RunRequest describes one end-to-end deployment run.
type RunRequest struct {
	// Desired holds the desired resource graph per stage. Both stages are
	// required; a stage with no infrastructure uses an empty graph.
	Desired map[StageName]*ResourceGraph

	// SourceRef is the build input (commit SHA or build context).
	SourceRef string

	// Tag is the artifact tag to publish.
	Tag string

	// WorkloadRef identifies the workload to roll out.
	WorkloadRef string

	// Approved pre-approves destructive plans (e.g. --approve). When false
	// the controller consults its Approver before leaving AwaitingApproval.
	Approved bool
}

// Controller sequences a deployment run as a single sequential state
// machine: plan, approve, apply setup, publish, apply deploy, roll out.
// Concurrency between runs is controlled solely by the state backend's
// per-stage locks.
type Controller struct {
	backend   StateBackend
	resolver  ScopeResolver
	publisher Publisher
	runtime   Runtime
	applier   StageApplier
	recorder  Recorder
	policy    PolicyEvaluator
	approver  Approver
	planner   *Planner
	metrics   Metrics
	opts      ControllerOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// ControllerDeps bundles the controller's collaborators.
type ControllerDeps struct {
	Backend   StateBackend
	Resolver  ScopeResolver
	Publisher Publisher
	Runtime   Runtime
	Applier   StageApplier
	Recorder  Recorder
	Policy    PolicyEvaluator
	Approver  Approver
	Metrics   Metrics
}

// NewController creates a deployment controller.
func NewController(deps ControllerDeps, opts ControllerOptions, logger zerolog.Logger) *Controller {
	if opts.Holder == "" {
		opts.Holder = DefaultControllerOptions().Holder
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultControllerOptions().LockTTL
	}
	if opts.ScopeTTL <= 0 {
		opts.ScopeTTL = DefaultControllerOptions().ScopeTTL
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultControllerOptions().HealthTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultControllerOptions().HealthInterval
	}
	if opts.StableThreshold <= 0 {
		opts.StableThreshold = DefaultControllerOptions().StableThreshold
	}

	return &Controller{
		backend:   deps.Backend,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		runtime:   deps.Runtime,
		applier:   deps.Applier,
		recorder:  deps.Recorder,
		policy:    deps.Policy,
		approver:  deps.Approver,
		planner:   NewPlanner(),
		metrics:   deps.Metrics,
		opts:      opts,
		logger:    logger.With().Str("component", "controller").Logger(),
		now:       time.Now,
	}
}

// Run executes one end-to-end deployment. The returned record is always
// finalized; its State distinguishes Succeeded, Failed and RolledBack.
//
// Cancellation via ctx is honored only while the run is in Planning or
// AwaitingApproval. Once ApplyingSetup has begun the run detaches from the
// caller's cancellation and drives itself to a terminal state, so state is
// never left partially mutated with no lock holder.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*DeploymentRecord, error) {
	rec := NewDeploymentRecord(uuid.New().String(), c.now())
	log := c.logger.With().Str("run_id", rec.ID).Logger()

	if err := c.saveRecord(ctx, rec); err != nil {
		return c.fail(ctx, rec, "", err)
	}

	for _, stage := range StageOrder() {
		if req.Desired[stage] == nil {
			err := NewPermanentError(fmt.Sprintf("no desired graph for stage %s", stage), nil).
				WithCode(ErrCodeValidation)
			return c.fail(ctx, rec, stage, err)
		}
	}

	// Planning. The deploy diff computed here is a preview for the approval
	// gate; it is recomputed against committed setup outputs before apply.
	diffs := make(map[StageName]*PlanDiff, 2)
	for _, stage := range StageOrder() {
		diff, err := c.planStage(ctx, stage, req.Desired[stage])
		if err != nil {
			return c.fail(ctx, rec, stage, err)
		}
		diffs[stage] = diff
		rec.StagePlans[stage] = StagePlanResult{Summary: diff.Summary}
	}

	if err := CheckCrossStageConflict(diffs[StageSetup], req.Desired[StageDeploy]); err != nil {
		return c.fail(ctx, rec, StageSetup, err)
	}

	// Policy gate: destructive diffs never reach an apply state without
	// passing through AwaitingApproval.
	requiresApproval := false
	for _, stage := range StageOrder() {
		diff := diffs[stage]
		decision, err := c.evaluatePolicy(ctx, diff)
		if err != nil {
			return c.fail(ctx, rec, stage, err)
		}
		if len(decision.Violations) > 0 {
			err := NewPermanentError(
				fmt.Sprintf("plan violates policy: %v", decision.Violations), nil).
				WithCode(ErrCodeValidation).WithStage(stage)
			return c.fail(ctx, rec, stage, err)
		}
		if decision.RequiresApproval || diff.Destructive() {
			requiresApproval = true
		}
	}

	destructiveApproved := false
	if requiresApproval {
		if err := c.transition(ctx, rec, StateAwaitingApproval); err != nil {
			return c.fail(ctx, rec, "", err)
		}
		approved, err := c.confirm(ctx, req, diffs)
		if err != nil {
			return c.fail(ctx, rec, "", err)
		}
		if !approved {
			err := NewPermanentError("destructive plan not approved", nil).
				WithCode(ErrCodeApprovalRequired)
			return c.fail(ctx, rec, "", err)
		}
		destructiveApproved = true
		log.Info().Msg("destructive plan approved")
	}

	// Last cancellation point. Past here the run must reach a terminal
	// state, so detach from the caller's cancellation.
	if err := ctx.Err(); err != nil {
		cancelErr := NewPermanentError("run cancelled", err).WithCode(ErrCodeCancelled)
		return c.fail(ctx, rec, "", cancelErr)
	}
	runCtx := context.WithoutCancel(ctx)

	// Apply setup. Partial changes are left applied on failure: appliers
	// are idempotent, and deploy is never attempted against a failed setup.
	if err := c.transition(runCtx, rec, StateApplyingSetup); err != nil {
		return c.fail(runCtx, rec, "", err)
	}
	if err := c.applyStage(runCtx, diffs[StageSetup], req.Desired[StageSetup]); err != nil {
		return c.fail(runCtx, rec, StageSetup, err)
	}
	c.markApplied(rec, StageSetup)

	// Publish.
	if err := c.transition(runCtx, rec, StatePublishing); err != nil {
		return c.fail(runCtx, rec, "", err)
	}
	if prev, err := c.runtime.CurrentArtifact(runCtx, req.WorkloadRef); err == nil {
		rec.PreviousArtifact = prev
	} else {
		log.Warn().Err(err).Msg("could not record pre-run artifact; rollback target unavailable")
	}
	artifact, err := c.publish(runCtx, req.SourceRef, req.Tag)
	if err != nil {
		return c.fail(runCtx, rec, StageDeploy, err)
	}
	rec.Artifact = artifact
	log.Info().Str("digest", artifact.Digest).Str("location", artifact.Location).Msg("artifact published")

	// Apply deploy. The deploy diff is recomputed here so it sees setup's
	// committed outputs rather than the pre-run observation.
	if err := c.transition(runCtx, rec, StateApplyingDeploy); err != nil {
		return c.fail(runCtx, rec, "", err)
	}
	deployDiff, err := c.planStage(runCtx, StageDeploy, req.Desired[StageDeploy])
	if err != nil {
		return c.fail(runCtx, rec, StageDeploy, err)
	}
	if deployDiff.Destructive() && !destructiveApproved {
		err := NewPermanentError("deploy re-plan became destructive after setup apply", nil).
			WithCode(ErrCodeApprovalRequired).WithStage(StageDeploy)
		return c.fail(runCtx, rec, StageDeploy, err)
	}
	rec.StagePlans[StageDeploy] = StagePlanResult{Summary: deployDiff.Summary}
	if err := c.applyStage(runCtx, deployDiff, req.Desired[StageDeploy]); err != nil {
		return c.fail(runCtx, rec, StageDeploy, err)
	}
	c.markApplied(rec, StageDeploy)

	// Roll out.
	if err := c.transition(runCtx, rec, StateRollingOut); err != nil {
		return c.fail(runCtx, rec, "", err)
	}
	return c.rollOut(runCtx, rec, req, artifact)
}

// Plan computes a stage diff without applying anything. Used by the plan
// command; the full Run re-plans on its own.
func (c *Controller) Plan(ctx context.Context, stage StageName, desired *ResourceGraph) (*PlanDiff, error) {
	return c.planStage(ctx, stage, desired)
}

// ApplyStage plans and applies a single stage outside a full run. The same
// policy and approval gates apply; destructive diffs need approved=true.
func (c *Controller) ApplyStage(ctx context.Context, stage StageName, desired *ResourceGraph, approved bool) (*PlanDiff, error) {
	diff, err := c.planStage(ctx, stage, desired)
	if err != nil {
		return nil, err
	}

	decision, err := c.evaluatePolicy(ctx, diff)
	if err != nil {
		return nil, err
	}
	if len(decision.Violations) > 0 {
		return diff, NewPermanentError(
			fmt.Sprintf("plan violates policy: %v", decision.Violations), nil).
			WithCode(ErrCodeValidation).WithStage(stage)
	}
	if (decision.RequiresApproval || diff.Destructive()) && !approved {
		return diff, NewPermanentError("destructive plan not approved", nil).
			WithCode(ErrCodeApprovalRequired).WithStage(stage)
	}

	if err := c.applyStage(ctx, diff, desired); err != nil {
		return diff, err
	}
	return diff, nil
}

// planStage reads observed state under a short-lived plan scope and computes
// the stage diff. No lock is held during or after planning.
func (c *Controller) planStage(ctx context.Context, stage StageName, desired *ResourceGraph) (*PlanDiff, error) {
	scope, err := c.resolver.Resolve(ctx, stage, []string{string(stage) + ":plan"}, c.opts.ScopeTTL)
	if err != nil {
		return nil, err
	}
	defer c.releaseScope(ctx, scope)

	observed, err := c.backend.ReadState(ctx, stage)
	if err != nil {
		// Never fall back to an empty prior state; that risks spurious
		// destroys on the next apply.
		return nil, err
	}

	return c.planner.Plan(ctx, desired, observed)
}

// applyStage applies a stage diff under the stage lock and commits the
// resulting graph. The credential scope is released on every exit path, and
// scope expiry is enforced between nodes even mid-apply.
func (c *Controller) applyStage(ctx context.Context, diff *PlanDiff, desired *ResourceGraph) error {
	scope, err := c.resolver.Resolve(ctx, diff.Stage, []string{string(diff.Stage) + ":apply"}, c.opts.ScopeTTL)
	if err != nil {
		return err
	}
	defer c.releaseScope(ctx, scope)

	lock, err := c.backend.AcquireLock(ctx, diff.Stage, c.opts.Holder, c.opts.LockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.backend.Release(ctx, lock); rerr != nil {
			c.logger.Warn().Err(rerr).Str("stage", string(diff.Stage)).Msg("lock release failed")
		}
	}()

	// Re-read under the lock and verify the plan is still current.
	current, err := c.backend.ReadState(ctx, diff.Stage)
	if err != nil {
		return err
	}
	if current.Version != diff.BaseVersion {
		return NewConflictError(
			fmt.Sprintf("state version %d diverged from planned base %d", current.Version, diff.BaseVersion), nil).
			WithCode(ErrCodeStaleLock).WithStage(diff.Stage)
	}

	applied := cloneGraph(current)
	for _, nd := range diff.Nodes {
		if nd.Action == ActionNoop {
			continue
		}

		if scope.Expired(c.now()) {
			_ = c.backend.WriteState(ctx, diff.Stage, applied, lock)
			return NewPermanentError("credential scope expired mid-apply", nil).
				WithCode(ErrCodeScopeDenied).WithStage(diff.Stage).WithNode(nd.Name)
		}

		if err := c.applier.ApplyNode(ctx, diff.Stage, nd); err != nil {
			// Commit what was applied so a retry plans from reality.
			if werr := c.backend.WriteState(ctx, diff.Stage, applied, lock); werr != nil {
				c.logger.Warn().Err(werr).Str("stage", string(diff.Stage)).Msg("partial state write failed")
			}
			return NewPermanentError("node apply failed", err).
				WithCode(ErrCodeApplyFailure).
				WithStage(diff.Stage).
				WithNode(nd.Name).
				WithOperation(string(nd.Action))
		}

		applyNodeToGraph(applied, desired, nd)
	}

	return c.backend.WriteState(ctx, diff.Stage, applied, lock)
}

// publish builds and pushes the artifact under a publish scope.
func (c *Controller) publish(ctx context.Context, sourceRef, tag string) (*Artifact, error) {
	scope, err := c.resolver.Resolve(ctx, StageDeploy, []string{"deploy:publish"}, c.opts.ScopeTTL)
	if err != nil {
		return nil, err
	}
	defer c.releaseScope(ctx, scope)

	return c.publisher.Publish(ctx, sourceRef, tag)
}

// rollOut updates the workload and polls health until it stabilizes. If
// health does not reach a stable passing state within the timeout, the
// workload is reverted to the pre-run artifact and the run finishes
// RolledBack, a distinct outcome from plain success.
func (c *Controller) rollOut(ctx context.Context, rec *DeploymentRecord, req RunRequest, artifact *Artifact) (*DeploymentRecord, error) {
	scope, err := c.resolver.Resolve(ctx, StageDeploy, []string{"deploy:rollout"}, c.opts.ScopeTTL)
	if err != nil {
		return c.fail(ctx, rec, StageDeploy, err)
	}
	defer c.releaseScope(ctx, scope)

	rolloutID, err := c.runtime.UpdateService(ctx, req.WorkloadRef, artifact)
	if err != nil {
		return c.rollback(ctx, rec, req, NewPermanentError("rollout failed", err).
			WithCode(ErrCodeApplyFailure).WithStage(StageDeploy))
	}
	rec.RolloutID = rolloutID

	if c.awaitHealthy(ctx, rolloutID) {
		if err := c.transition(ctx, rec, StateSucceeded); err != nil {
			return c.fail(ctx, rec, "", err)
		}
		rec.Finalize(StateSucceeded, c.now())
		c.observe(rec)
		if err := c.saveRecord(ctx, rec); err != nil {
			c.logger.Error().Err(err).Msg("final record save failed")
		}
		return rec, nil
	}

	timeoutErr := NewTransientError(
		fmt.Sprintf("health did not stabilize within %s", c.opts.HealthTimeout), nil).
		WithCode(ErrCodeHealthCheckTimeout).
		WithStage(StageDeploy)
	return c.rollback(ctx, rec, req, timeoutErr)
}

// awaitHealthy polls rollout health until StableThreshold consecutive
// healthy results or the health timeout elapses.
func (c *Controller) awaitHealthy(ctx context.Context, rolloutID string) bool {
	deadline := time.NewTimer(c.opts.HealthTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	healthy := 0
	for {
		select {
		case <-deadline.C:
			return false
		case <-ticker.C:
			status, err := c.runtime.Health(ctx, rolloutID)
			if err != nil || status != HealthHealthy {
				healthy = 0
				continue
			}
			healthy++
			if healthy >= c.opts.StableThreshold {
				return true
			}
		}
	}
}

// rollback reverts the workload to the pre-run artifact. Without a recorded
// previous artifact there is nothing to revert to and the run fails instead.
func (c *Controller) rollback(ctx context.Context, rec *DeploymentRecord, req RunRequest, cause *EngineError) (*DeploymentRecord, error) {
	if rec.PreviousArtifact == nil {
		c.logger.Error().Str("run_id", rec.ID).Msg("no previous artifact recorded; cannot roll back")
		return c.fail(ctx, rec, StageDeploy, cause)
	}

	if _, err := c.runtime.UpdateService(ctx, req.WorkloadRef, rec.PreviousArtifact); err != nil {
		c.logger.Error().Err(err).Str("run_id", rec.ID).Msg("rollback failed; workload left degraded")
		return c.fail(ctx, rec, StageDeploy, NewPermanentError("rollback failed", err).
			WithCode(ErrCodeApplyFailure).WithStage(StageDeploy))
	}

	if err := c.transition(ctx, rec, StateRolledBack); err != nil {
		return c.fail(ctx, rec, "", err)
	}
	rec.SetFailure(cause, StageDeploy)
	rec.Finalize(StateRolledBack, c.now())
	c.observe(rec)
	if err := c.saveRecord(ctx, rec); err != nil {
		c.logger.Error().Err(err).Msg("final record save failed")
	}
	c.logger.Warn().Str("run_id", rec.ID).
		Str("reverted_to", rec.PreviousArtifact.Digest).
		Msg("rollout reverted to previous artifact")
	return rec, cause
}

// fail finalizes the record as Failed with full failure context.
func (c *Controller) fail(ctx context.Context, rec *DeploymentRecord, stage StageName, err error) (*DeploymentRecord, error) {
	rec.SetFailure(err, stage)
	rec.Finalize(StateFailed, c.now())
	c.observe(rec)
	if serr := c.saveRecord(ctx, rec); serr != nil {
		c.logger.Error().Err(serr).Msg("failure record save failed")
	}
	c.logger.Error().Err(err).Str("run_id", rec.ID).Str("stage", string(stage)).Msg("run failed")
	return rec, err
}

// transition moves the record along a legal state machine edge.
func (c *Controller) transition(ctx context.Context, rec *DeploymentRecord, to RunState) error {
	if !rec.State.CanTransition(to) {
		return NewPermanentError(
			fmt.Sprintf("illegal state transition %s -> %s", rec.State, to), nil).
			WithCode(ErrCodeInternal)
	}
	rec.State = to
	c.logger.Info().Str("run_id", rec.ID).Str("state", string(to)).Msg("state transition")
	return c.saveRecord(ctx, rec)
}

// confirm resolves the approval decision for destructive plans.
func (c *Controller) confirm(ctx context.Context, req RunRequest, diffs map[StageName]*PlanDiff) (bool, error) {
	if req.Approved {
		return true, nil
	}
	if c.approver == nil {
		return false, nil
	}
	ordered := make([]*PlanDiff, 0, len(diffs))
	for _, stage := range StageOrder() {
		ordered = append(ordered, diffs[stage])
	}
	return c.approver.Approve(ctx, ordered)
}

// evaluatePolicy consults the policy engine; a nil engine decides nothing.
func (c *Controller) evaluatePolicy(ctx context.Context, diff *PlanDiff) (*PolicyDecision, error) {
	if c.policy == nil {
		return &PolicyDecision{}, nil
	}
	return c.policy.EvaluatePlan(ctx, diff)
}

func (c *Controller) releaseScope(ctx context.Context, scope *CredentialScope) {
	if err := c.resolver.Release(ctx, scope); err != nil {
		c.logger.Warn().Err(err).Str("stage", string(scope.Stage)).Msg("scope release failed")
	}
}

func (c *Controller) saveRecord(ctx context.Context, rec *DeploymentRecord) error {
	if c.recorder == nil {
		return nil
	}
	return c.recorder.SaveRecord(ctx, rec)
}

func (c *Controller) markApplied(rec *DeploymentRecord, stage StageName) {
	result := rec.StagePlans[stage]
	result.Applied = true
	rec.StagePlans[stage] = result
}

func (c *Controller) observe(rec *DeploymentRecord) {
	if c.metrics == nil || rec.FinalizedAt == nil {
		return
	}
	c.metrics.RunFinished(rec.State, rec.FinalizedAt.Sub(rec.StartedAt))
}

// cloneGraph deep-copies a resource graph's node list.
func cloneGraph(g *ResourceGraph) *ResourceGraph {
	clone := &ResourceGraph{Stage: g.Stage, Version: g.Version}
	clone.Nodes = make([]ResourceNode, len(g.Nodes))
	copy(clone.Nodes, g.Nodes)
	return clone
}

// applyNodeToGraph folds one applied node diff into the in-progress graph.
func applyNodeToGraph(applied, desired *ResourceGraph, nd NodeDiff) {
	switch nd.Action {
	case ActionDestroy:
		for i := range applied.Nodes {
			if applied.Nodes[i].Name == nd.Name {
				applied.Nodes = append(applied.Nodes[:i], applied.Nodes[i+1:]...)
				break
			}
		}
	case ActionCreate, ActionUpdate, ActionRecreate:
		if want := desired.Node(nd.Name); want != nil {
			if have := applied.Node(nd.Name); have != nil {
				*have = *want
			} else {
				applied.Nodes = append(applied.Nodes, *want)
			}
		}
	}
}
