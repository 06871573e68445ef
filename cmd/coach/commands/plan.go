package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan [stage]",
		Short: "Compute a stage plan without applying it",
		Long: `Compute the difference between the manifest's desired graph and the
stage's committed state. Without a stage argument both stages are planned.

No lock is held and nothing is applied; the plan is advisory until the
apply or deploy command re-plans under the stage lock.`,
		Example: `  # Plan both stages
  coach plan -m stagecoach.yaml

  # Plan the setup stage and persist the diff
  coach plan setup --out plan.yaml

  # Render the deploy graph for graphviz
  coach plan deploy --dot deploy.dot`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages := engine.StageOrder()
			if len(args) == 1 {
				stage, err := parseStageArg(args[0])
				if err != nil {
					return err
				}
				stages = []engine.StageName{stage}
			}

			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			graphs, err := loadGraphs()
			if err != nil {
				return err
			}

			diffs := make([]*engine.PlanDiff, 0, len(stages))
			for _, stage := range stages {
				diff, err := app.controller.Plan(cmd.Context(), stage, graphs[stage])
				if err != nil {
					return err
				}
				diffs = append(diffs, diff)
				printDiff(diff)
			}

			if outFile != "" {
				data, err := yaml.Marshal(diffs)
				if err != nil {
					return fmt.Errorf("failed to marshal plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				fmt.Printf("\nplan written to %s\n", outFile)
			}

			if dotFile != "" {
				if len(diffs) != 1 {
					return usageError("--dot requires a single stage argument")
				}
				sorter := engine.NewGraphSorter()
				if _, err := sorter.Order(graphs[diffs[0].Stage]); err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(sorter.ToDOT(diffs[0])), 0o644); err != nil {
					return fmt.Errorf("failed to write dot file: %w", err)
				}
				fmt.Printf("graph written to %s\n", dotFile)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "persist the plan diff to a YAML file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write a Graphviz DOT rendering of the stage graph")

	return cmd
}
