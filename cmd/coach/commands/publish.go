package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		sourceRef string
		tag       string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Build and publish an artifact",
		Long: `Build the source into a container image and push it to the configured
repository. The printed location carries the digest the registry
acknowledged; publishing the same source and tag again yields the same
digest.`,
		Example: `  # Publish the current directory as tag abc123
  coach publish --source . --tag abc123`,
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

			artifact, err := app.publisher.Publish(cmd.Context(), sourceRef, tag)
			if err != nil {
				return err
			}

			fmt.Printf("published %s\n", artifact.Location)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceRef, "source", ".", "build context directory")
	cmd.Flags().StringVar(&tag, "tag", "", "artifact tag (e.g. the commit SHA)")

	return cmd
}
