// Package commands implements the coach CLI.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitFailed     = 1
	ExitRolledBack = 2
	ExitUsage      = 64
)

var (
	// Global flags
	configPath   string
	manifestPath string
	verbose      bool

	// appVersion is stamped on trace resources.
	appVersion string
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// usageError marks an error as operator misuse (exit 64).
func usageError(format string, args ...interface{}) error {
	return &exitError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		return ExitFailed
	}
	return ExitSuccess
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coach",
		Short: "Stagecoach - staged deployment orchestration",
		Long: `Stagecoach orchestrates deployments in two stages: a setup stage for
foundational infrastructure and a deploy stage for workload-facing
resources. Runs are planned against locked, versioned state, gated by
policy and operator approval for destructive changes, and rolled out
behind a health gate with automatic revert to the previous artifact.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "stagecoach.yaml", "resource graph manifest (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newShellCommand())
	rootCmd.AddCommand(newRecordCommand())

	return rootCmd
}
