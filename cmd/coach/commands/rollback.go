package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

func newRollbackCommand() *cobra.Command {
	var (
		workload string
		toRef    string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the workload to a previous artifact",
		Long: `Revert the workload outside a run: either to an explicit artifact
location (--to) or to the previous artifact recorded by the most recent
run that captured one. The resource graphs are untouched; only the
workload moves.`,
		Example: `  # Revert to the artifact the last run replaced
  coach rollback --workload app

  # Revert to an explicit digest
  coach rollback --workload app --to registry.example.com/app@sha256:abc...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			if workload == "" {
				workload = app.cfg.Rollout.WorkloadRef
			}
			if workload == "" {
				return usageError("--workload or rollout.workload_ref is required")
			}

			target, err := rollbackTarget(cmd, app, toRef)
			if err != nil {
				return err
			}

			rolloutID, err := app.runtime.UpdateService(cmd.Context(), workload, target)
			if err != nil {
				return err
			}

			fmt.Printf("workload %s reverted to %s (rollout %s)\n", workload, target.Location, rolloutID)
			return nil
		},
	}

	cmd.Flags().StringVar(&workload, "workload", "", "workload to revert (defaults to rollout.workload_ref)")
	cmd.Flags().StringVar(&toRef, "to", "", "explicit artifact location (repository@digest)")

	return cmd
}

// rollbackTarget resolves the artifact to revert to: the --to flag if given,
// else the previous artifact of the most recent run that recorded one.
func rollbackTarget(cmd *cobra.Command, app *app, toRef string) (*engine.Artifact, error) {
	if toRef != "" {
		_, digest, ok := strings.Cut(toRef, "@")
		if !ok {
			return nil, usageError("--to must be a repository@digest location")
		}
		return &engine.Artifact{Digest: digest, Location: toRef}, nil
	}

	records, err := app.store.ListRecords(cmd.Context(), 20)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.PreviousArtifact != nil {
			fmt.Printf("reverting to the artifact recorded before run %s\n", rec.ID)
			return rec.PreviousArtifact, nil
		}
	}
	return nil, fmt.Errorf("no recorded previous artifact to revert to; use --to")
}
