package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	sshbridge "github.com/stagecoach/stagecoach/pkg/transports/ssh"
)

func newShellCommand() *cobra.Command {
	var (
		host     string
		port     int
		user     string
		password string
		keyPath  string
		fetch    string
	)

	cmd := &cobra.Command{
		Use:   "shell <workloadRef>",
		Short: "Open an interactive shell on a workload host",
		Long: `Open an interactive PTY session on the host running the workload, for
diagnosis. The session never mutates deployment state. With --fetch a
remote file is copied over SFTP instead of opening a shell.`,
		Example: `  # Shell into the app workload's host
  coach shell app --host 10.0.0.5 --user deploy --key ~/.ssh/id_ed25519

  # Fetch a service log
  coach shell app --host 10.0.0.5 --user deploy --key ~/.ssh/id_ed25519 \
    --fetch /var/log/app/service.log:./service.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workload := args[0]

			app, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			if host == "" {
				host = app.cfg.Rollout.Hosts[workload]
			}
			if host == "" {
				return usageError("no host configured for workload %s; set rollout.hosts or pass --host", workload)
			}

			cfg := sshbridge.DefaultConfig(host, user)
			cfg.Port = port
			if password != "" {
				cfg.AuthMethod = sshbridge.AuthMethodPassword
				cfg.Password = password
			} else {
				cfg.PrivateKeyPath = keyPath
			}

			bridge, err := sshbridge.NewBridge(cfg, app.logger)
			if err != nil {
				return usageError("%v", err)
			}
			defer bridge.Close()

			if fetch != "" {
				remote, local, ok := strings.Cut(fetch, ":")
				if !ok {
					return usageError("--fetch must be remote:local")
				}
				if err := bridge.FetchFile(cmd.Context(), remote, local); err != nil {
					return err
				}
				fmt.Printf("fetched %s to %s\n", remote, local)
				return nil
			}

			session, err := bridge.OpenShell(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			go io.Copy(session.Stdin, os.Stdin)
			go io.Copy(os.Stderr, session.Stderr)
			go io.Copy(os.Stdout, session.Stdout)

			return session.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "workload host (overrides the rollout.hosts mapping)")
	cmd.Flags().IntVar(&port, "port", 22, "ssh port")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "ssh user")
	cmd.Flags().StringVar(&password, "password", "", "ssh password (key auth is used when empty)")
	cmd.Flags().StringVar(&keyPath, "key", "", "ssh private key path")
	cmd.Flags().StringVar(&fetch, "fetch", "", "fetch a remote file (remote:local) instead of opening a shell")

	return cmd
}
