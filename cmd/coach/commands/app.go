package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/config"
	"github.com/stagecoach/stagecoach/pkg/creds"
	"github.com/stagecoach/stagecoach/pkg/engine"
	"github.com/stagecoach/stagecoach/pkg/policy"
	"github.com/stagecoach/stagecoach/pkg/registry"
	"github.com/stagecoach/stagecoach/pkg/rollout"
	"github.com/stagecoach/stagecoach/pkg/state"
	"github.com/stagecoach/stagecoach/pkg/telemetry"
)

// app bundles the wired collaborators behind the CLI commands.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      *state.SQLiteStore
	controller *engine.Controller
	runtime    *rollout.DockerRuntime
	publisher  *registry.DockerPublisher
	metrics    *telemetry.Metrics

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp loads configuration and wires the controller. The Docker client
// is only constructed when the command touches the daemon.
func buildApp(ctx context.Context, needDocker bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, usageError("%v", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(telemetry.LoggerOptions{Level: level, Format: cfg.Log.Format})
	metrics := telemetry.NewMetrics()

	a := &app{cfg: cfg, logger: logger, metrics: metrics}

	// The SQLite store always exists: deployment records and the audit log
	// live locally even when stage state is in S3.
	if err := os.MkdirAll(filepath.Dir(cfg.Backend.SQLite.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := state.NewSQLiteStore(state.SQLiteConfig{Path: cfg.Backend.SQLite.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	var backendStore state.Store = store
	if cfg.Backend.Type == "s3" {
		s3Store, err := state.NewS3Store(state.S3Config{
			Bucket:          cfg.Backend.S3.Bucket,
			Prefix:          cfg.Backend.S3.Prefix,
			Region:          cfg.Backend.S3.Region,
			AccessKeyID:     cfg.Backend.S3.AccessKey,
			SecretAccessKey: cfg.Backend.S3.SecretKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		backendStore = s3Store
	}
	manager := state.NewManager(backendStore, state.ManagerOptions{}, logger)
	manager.OnContention = metrics.LockContention

	resolver := creds.NewStaticResolver(nil, cfg.Holder, store, logger)

	policyEngine := policy.NewEngine(logger)
	if cfg.Policy.Dir != "" {
		loader := policy.NewLoader(logger)
		policies, err := loader.LoadDir(cfg.Policy.Dir)
		if err != nil {
			return nil, err
		}
		policyEngine.SetPolicies(policies)
		if cfg.Policy.Watch {
			go func() {
				if err := loader.Watch(ctx, cfg.Policy.Dir, policyEngine); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("policy watcher stopped")
				}
			}()
		}
	}

	deps := engine.ControllerDeps{
		Backend:  manager,
		Resolver: resolver,
		Recorder: store,
		Policy:   policyEngine,
		Approver: engine.ApproverFunc(promptApprover),
		Metrics:  metrics,
	}

	if needDocker {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = cli.Close() })

		a.runtime = rollout.NewDockerRuntime(cli, rollout.RuntimeOptions{Ports: cfg.Rollout.Ports}, logger)
		deps.Runtime = a.runtime
		deps.Applier = rollout.NewDockerApplier(cli, logger)

		if cfg.Registry.Repository != "" {
			publisher, err := registry.NewDockerPublisher(cli, registry.PublisherOptions{
				Repository: cfg.Registry.Repository,
				Dockerfile: cfg.Registry.Dockerfile,
				Auth: registrytypes.AuthConfig{
					Username: cfg.Registry.Username,
					Password: cfg.Registry.Password,
				},
				OnRetry: metrics.PublishRetry,
			}, logger)
			if err != nil {
				return nil, err
			}
			a.publisher = publisher
			deps.Publisher = publisher
		}
	}

	a.controller = engine.NewController(deps, engine.ControllerOptions{
		Holder:          cfg.Holder,
		LockTTL:         cfg.Backend.LockTTL,
		ScopeTTL:        cfg.ScopeTTL,
		HealthTimeout:   cfg.Rollout.HealthTimeout,
		HealthInterval:  cfg.Rollout.HealthInterval,
		StableThreshold: cfg.Rollout.StableThreshold,
	}, logger)

	return a, nil
}

// loadGraphs parses the manifest and fills in an empty graph for any stage
// the manifest does not declare.
func loadGraphs() (map[engine.StageName]*engine.ResourceGraph, error) {
	graphs, err := config.NewManifestParser().ParseFile(manifestPath)
	if err != nil {
		return nil, usageError("%v", err)
	}
	for _, stage := range engine.StageOrder() {
		if graphs[stage] == nil {
			graphs[stage] = &engine.ResourceGraph{Stage: stage}
		}
	}
	return graphs, nil
}

// parseStageArg validates a stage name command argument.
func parseStageArg(arg string) (engine.StageName, error) {
	stage := engine.StageName(arg)
	if err := stage.Validate(); err != nil {
		return "", usageError("unknown stage %q (want %q or %q)", arg, engine.StageSetup, engine.StageDeploy)
	}
	return stage, nil
}

// promptApprover asks the operator to confirm a destructive plan on the
// terminal. Only a literal "yes" approves.
func promptApprover(ctx context.Context, diffs []*engine.PlanDiff) (bool, error) {
	for _, diff := range diffs {
		printDiff(diff)
	}
	fmt.Print("\nThis plan is destructive. Type 'yes' to approve: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(line) == "yes", nil
}

// printDiff writes a human-readable plan summary to stdout.
func printDiff(diff *engine.PlanDiff) {
	fmt.Printf("\nStage %s (%d create, %d update, %d destroy, %d recreate, %d unchanged):\n",
		diff.Stage, diff.Summary.Create, diff.Summary.Update,
		diff.Summary.Destroy, diff.Summary.Recreate, diff.Summary.Noop)
	for _, nd := range diff.Nodes {
		if nd.Action == engine.ActionNoop {
			continue
		}
		fmt.Printf("  %-8s %s (%s)\n", nd.Action, nd.Name, nd.Type)
		for _, change := range nd.Changes {
			fmt.Printf("           %s: %v -> %v\n", change.Path, change.Before, change.After)
		}
	}
	if diff.AllNoop() {
		fmt.Println("  no changes")
	}
}
