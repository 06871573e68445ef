// Package creds implements credential scope resolution: least-privilege,
// time-boxed capability tokens derived from per-stage action grants. Scopes
// are held in memory only and never persisted; issuance and revocation are
// audit-logged.
package creds

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// AuditLogger records security-relevant events. Satisfied by the SQLite
// state store.
type AuditLogger interface {
	AppendAudit(ctx context.Context, actor, stage, action, detail string) error
}

// Grants maps each stage to the action set an operator may request for it.
// An entry of "<stage>:*" grants every action in that stage.
type Grants map[engine.StageName][]string

// DefaultGrants returns the standard pipeline grants: planning, applying and
// publishing per stage, rollout control only in deploy.
func DefaultGrants() Grants {
	return Grants{
		engine.StageSetup: {
			"setup:plan", "setup:apply",
		},
		engine.StageDeploy: {
			"deploy:plan", "deploy:apply", "deploy:publish", "deploy:rollout",
		},
	}
}

// StaticResolver implements engine.ScopeResolver against a fixed grant
// table. Broad ambient credentials stay with the resolver; each operation
// receives only the narrow slice it asked for.
type StaticResolver struct {
	grants Grants
	actor  string
	audit  AuditLogger
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*engine.CredentialScope
}

// NewStaticResolver creates a resolver from a grant table. audit may be nil,
// in which case issuance is only logged.
func NewStaticResolver(grants Grants, actor string, audit AuditLogger, logger zerolog.Logger) *StaticResolver {
	if grants == nil {
		grants = DefaultGrants()
	}
	if actor == "" {
		actor = "stagecoach"
	}
	return &StaticResolver{
		grants: grants,
		actor:  actor,
		audit:  audit,
		logger: logger.With().Str("component", "scope-resolver").Logger(),
		now:    time.Now,
		active: make(map[string]*engine.CredentialScope),
	}
}

// Resolve implements engine.ScopeResolver. Requested actions must all fall
// inside the stage's grant; a single excess action denies the whole request,
// and nothing is issued.
func (r *StaticResolver) Resolve(ctx context.Context, stage engine.StageName, actions []string, ttl time.Duration) (*engine.CredentialScope, error) {
	if err := stage.Validate(); err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, engine.NewPermanentError("scope request names no actions", nil).
			WithCode(engine.ErrCodeValidation).WithStage(stage)
	}
	if ttl <= 0 {
		return nil, engine.NewPermanentError("scope ttl must be positive", nil).
			WithCode(engine.ErrCodeValidation).WithStage(stage)
	}

	granted := r.grants[stage]
	for _, action := range actions {
		if !actionGranted(stage, action, granted) {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("action %s exceeds grants for stage %s", action, stage), nil).
				WithCode(engine.ErrCodeScopeDenied).
				WithStage(stage).
				WithDetail("requested", actions)
		}
	}

	now := r.now()
	scope := &engine.CredentialScope{
		Stage:     stage,
		Actions:   append([]string(nil), actions...),
		Token:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	r.active[scope.Token] = scope
	r.mu.Unlock()

	r.logAudit(ctx, stage, "scope.issue", actions, ttl)
	return scope, nil
}

// Release implements engine.ScopeResolver. Releasing an already-expired or
// unknown scope is a no-op.
func (r *StaticResolver) Release(ctx context.Context, scope *engine.CredentialScope) error {
	if scope == nil {
		return nil
	}

	r.mu.Lock()
	_, known := r.active[scope.Token]
	delete(r.active, scope.Token)
	r.mu.Unlock()

	if known {
		r.logAudit(ctx, scope.Stage, "scope.release", scope.Actions, 0)
	}
	return nil
}

// Valid reports whether the scope is live: issued by this resolver, not
// released and not expired.
func (r *StaticResolver) Valid(scope *engine.CredentialScope) bool {
	if scope == nil {
		return false
	}
	r.mu.Lock()
	_, known := r.active[scope.Token]
	r.mu.Unlock()
	return known && !scope.Expired(r.now())
}

// ActiveCount returns the number of unreleased scopes, for leak checks.
func (r *StaticResolver) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, scope := range r.active {
		if !scope.Expired(r.now()) {
			n++
		}
	}
	return n
}

func (r *StaticResolver) logAudit(ctx context.Context, stage engine.StageName, event string, actions []string, ttl time.Duration) {
	sorted := append([]string(nil), actions...)
	sort.Strings(sorted)
	detail := "actions=[" + strings.Join(sorted, ",") + "]"
	if ttl > 0 {
		detail += " ttl=" + ttl.String()
	}

	r.logger.Info().Str("stage", string(stage)).Str("event", event).Strs("actions", sorted).Msg("credential scope event")
	if r.audit == nil {
		return
	}
	if err := r.audit.AppendAudit(ctx, r.actor, string(stage), event, detail); err != nil {
		r.logger.Warn().Err(err).Msg("audit write failed")
	}
}

// actionGranted checks an action against a stage's grant list. The wildcard
// "<stage>:*" covers any action prefixed with that stage.
func actionGranted(stage engine.StageName, action string, granted []string) bool {
	for _, g := range granted {
		if g == action {
			return true
		}
		if g == string(stage)+":*" && strings.HasPrefix(action, string(stage)+":") {
			return true
		}
	}
	return false
}
