package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// Bridge opens interactive shells and fetches files from a workload host.
type Bridge struct {
	config *Config
	logger zerolog.Logger

	client *ssh.Client
}

// ShellSession is a live interactive session. The caller pumps Stdin and
// drains Stdout/Stderr; Close tears the session down.
type ShellSession struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	session *ssh.Session
}

// Wait blocks until the remote shell exits.
func (s *ShellSession) Wait() error {
	return s.session.Wait()
}

// Close tears down the session.
func (s *ShellSession) Close() error {
	return s.session.Close()
}

// NewBridge creates a shell bridge for the given host.
func NewBridge(config *Config, logger zerolog.Logger) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Bridge{
		config: config,
		logger: logger.With().Str("component", "shell-bridge").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Connection failure surfaces as a
// transient error: the workload host being unreachable is the same signal
// the rollout health gate acts on.
func (b *Bridge) Connect(ctx context.Context) error {
	clientConfig, err := b.config.BuildClientConfig()
	if err != nil {
		return engine.NewPermanentError("ssh configuration rejected", err).
			WithCode(engine.ErrCodeValidation).WithOperation("shell")
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", b.config.Address(), clientConfig)
		resultCh <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return engine.NewPermanentError("ssh connect cancelled", ctx.Err()).
			WithCode(engine.ErrCodeCancelled).WithOperation("shell")
	case result := <-resultCh:
		if result.err != nil {
			return engine.NewTransientError(
				fmt.Sprintf("workload host %s unreachable", b.config.Address()), result.err).
				WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
		}
		b.client = result.client
		b.logger.Debug().Msg("ssh connection established")
		return nil
	}
}

// OpenShell starts an interactive shell with a PTY on the connected host.
func (b *Bridge) OpenShell(ctx context.Context) (*ShellSession, error) {
	if b.client == nil {
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
	}

	session, err := b.client.NewSession()
	if err != nil {
		return nil, engine.NewTransientError("could not open ssh session", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, engine.NewTransientError("could not open stdin pipe", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, engine.NewTransientError("could not open stdout pipe", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, engine.NewTransientError("could not open stderr pipe", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}

	if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}); err != nil {
		_ = session.Close()
		return nil, engine.NewTransientError("pty request rejected", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, engine.NewTransientError("could not start remote shell", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("shell")
	}

	b.logger.Info().Msg("interactive shell started")
	return &ShellSession{Stdin: stdin, Stdout: stdout, Stderr: stderr, session: session}, nil
}

// FetchFile copies a remote file (a service log, a core dump) to localPath
// over SFTP.
func (b *Bridge) FetchFile(ctx context.Context, remotePath, localPath string) error {
	if b.client == nil {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}

	sftpClient, err := sftp.NewClient(b.client)
	if err != nil {
		return engine.NewTransientError("could not open sftp session", err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("fetch")
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Open(remotePath)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("remote file %s not readable", remotePath), err).
			WithCode(engine.ErrCodeNotFound).WithOperation("fetch")
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer local.Close()

	n, err := io.Copy(local, remote)
	if err != nil {
		return engine.NewTransientError(
			fmt.Sprintf("transfer of %s interrupted", remotePath), err).
			WithCode(engine.ErrCodeWorkloadUnavailable).WithOperation("fetch")
	}

	b.logger.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("file fetched")
	return nil
}

// Close tears down the connection.
func (b *Bridge) Close() error {
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
