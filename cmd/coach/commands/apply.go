package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var approve bool

	cmd := &cobra.Command{
		Use:   "apply <stage>",
		Short: "Plan and apply a single stage",
		Long: `Plan one stage and apply the diff under the stage lock. Policy gates
still run: a plan that violates policy is rejected, and a destructive
plan needs --approve.

This applies infrastructure only; it does not publish an artifact or
roll out the workload. Use deploy for the full pipeline.`,
		Example: `  # Apply the setup stage
  coach apply setup

  # Apply a destructive deploy-stage change
  coach apply deploy --approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseStageArg(args[0])
			if err != nil {
				return err
			}

			app, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			graphs, err := loadGraphs()
			if err != nil {
				return err
			}

			diff, err := app.controller.ApplyStage(cmd.Context(), stage, graphs[stage], approve)
			if diff != nil {
				printDiff(diff)
			}
			if err != nil {
				return err
			}

			fmt.Printf("\nstage %s applied\n", stage)
			return nil
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "approve destructive changes")

	return cmd
}
