package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagecoach/stagecoach/pkg/engine"
	"github.com/stagecoach/stagecoach/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	var (
		sourceRef string
		tag       string
		workload  string
		approve   bool
		traced    bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the full deployment pipeline",
		Long: `Run one end-to-end deployment: plan both stages, gate destructive
changes on approval, apply setup, publish the artifact, apply deploy,
and roll the workload out behind the health gate. A rollout that fails
to stabilize is automatically reverted to the previous artifact.

Exit codes: 0 succeeded, 1 failed, 2 rolled back.`,
		Example: `  # Deploy commit abc123
  coach deploy --source . --tag abc123 --workload app

  # Pre-approve a known destructive change (CI)
  coach deploy --source . --tag abc123 --workload app --approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tag == "" {
				return usageError("--tag is required")
			}

			app, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			if app.publisher == nil {
				return usageError("registry.repository is not configured")
			}
			if workload == "" {
				workload = app.cfg.Rollout.WorkloadRef
			}
			if workload == "" {
				return usageError("--workload or rollout.workload_ref is required")
			}

			graphs, err := loadGraphs()
			if err != nil {
				return err
			}

			tracer, err := telemetry.NewTracer(telemetry.TracerOptions{
				Enabled:        traced,
				ServiceVersion: appVersion,
			})
			if err != nil {
				return err
			}
			defer tracer.Shutdown(context.Background())

			runCtx, span := tracer.StartRun(cmd.Context(), tag)
			rec, runErr := app.controller.Run(runCtx, engine.RunRequest{
				Desired:     graphs,
				SourceRef:   sourceRef,
				Tag:         tag,
				WorkloadRef: workload,
				Approved:    approve,
			})
			telemetry.EndSpan(span, runErr)

			printRecord(rec)

			switch rec.State {
			case engine.StateSucceeded:
				return nil
			case engine.StateRolledBack:
				return &exitError{code: ExitRolledBack, err: runErr}
			default:
				return runErr
			}
		},
	}

	cmd.Flags().StringVar(&sourceRef, "source", ".", "build context directory")
	cmd.Flags().StringVar(&tag, "tag", "", "artifact tag (e.g. the commit SHA)")
	cmd.Flags().StringVar(&workload, "workload", "", "workload to roll out (defaults to rollout.workload_ref)")
	cmd.Flags().BoolVar(&approve, "approve", false, "pre-approve destructive changes")
	cmd.Flags().BoolVar(&traced, "trace", false, "emit run spans to stdout")

	return cmd
}

// printRecord writes the run outcome to stdout.
func printRecord(rec *engine.DeploymentRecord) {
	fmt.Printf("\nrun %s: %s\n", rec.ID, rec.State)
	for _, stage := range engine.StageOrder() {
		if plan, ok := rec.StagePlans[stage]; ok {
			applied := "planned"
			if plan.Applied {
				applied = "applied"
			}
			fmt.Printf("  %-6s %s (%d changes)\n", stage, applied, plan.Summary.Total-plan.Summary.Noop)
		}
	}
	if rec.Artifact != nil {
		fmt.Printf("  artifact %s\n", rec.Artifact.Location)
	}
	if rec.State == engine.StateRolledBack && rec.PreviousArtifact != nil {
		fmt.Printf("  reverted to %s\n", rec.PreviousArtifact.Location)
	}
	if rec.Failure != "" {
		fmt.Printf("  failure [%s] %s\n", rec.FailureCode, rec.Failure)
	}
}
