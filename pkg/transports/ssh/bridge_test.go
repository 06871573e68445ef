package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// testServer is a minimal in-process SSH server: password auth, an echo
// shell, and a real SFTP subsystem.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "operator" && string(pass) == "hunter2" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			channel.Write([]byte("welcome\n"))
			io.Copy(channel, channel)
			return

		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				if req.WantReply {
					req.Reply(true, nil)
				}
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				server.Serve()
				return
			}
			if req.WantReply {
				req.Reply(false, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) close() {
	close(s.done)
	s.listener.Close()
}

func testConfig(addr string) *Config {
	host, port, _ := net.SplitHostPort(addr)
	cfg := DefaultConfig(host, "operator")
	fmt.Sscanf(port, "%d", &cfg.Port)
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "hunter2"
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid password auth", func(c *Config) {}, false},
		{"missing host", func(c *Config) { c.Host = "" }, true},
		{"missing user", func(c *Config) { c.User = "" }, true},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"password auth without password", func(c *Config) { c.Password = "" }, true},
		{"key auth without key path", func(c *Config) {
			c.AuthMethod = AuthMethodKey
		}, true},
		{"unknown auth method", func(c *Config) { c.AuthMethod = "kerberos" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("host.example.com", "operator")
			cfg.AuthMethod = AuthMethodPassword
			cfg.Password = "secret"
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildClientConfigKeyAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig("host.example.com", "operator")
	cfg.PrivateKeyPath = keyPath

	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	if clientConfig.User != "operator" || len(clientConfig.Auth) != 1 {
		t.Errorf("client config = %+v", clientConfig)
	}
}

func TestBuildClientConfigRejectsMissingKey(t *testing.T) {
	cfg := DefaultConfig("host.example.com", "operator")
	cfg.PrivateKeyPath = filepath.Join(t.TempDir(), "absent")

	if _, err := cfg.BuildClientConfig(); err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestOpenShellEchoes(t *testing.T) {
	server := newTestServer(t)

	bridge, err := NewBridge(testConfig(server.addr), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	defer bridge.Close()

	session, err := bridge.OpenShell(context.Background())
	if err != nil {
		t.Fatalf("OpenShell failed: %v", err)
	}
	defer session.Close()

	reader := bufio.NewReader(session.Stdout)
	banner, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read banner: %v", err)
	}
	if strings.TrimSpace(banner) != "welcome" {
		t.Errorf("banner = %q", banner)
	}

	if _, err := session.Stdin.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	echoed, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}
	if strings.TrimSpace(echoed) != "ping" {
		t.Errorf("echoed = %q", echoed)
	}
}

func TestFetchFileCopiesRemote(t *testing.T) {
	server := newTestServer(t)

	remoteDir := t.TempDir()
	remotePath := filepath.Join(remoteDir, "service.log")
	if err := os.WriteFile(remotePath, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	bridge, err := NewBridge(testConfig(server.addr), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	defer bridge.Close()

	localPath := filepath.Join(t.TempDir(), "fetched", "service.log")
	if err := bridge.FetchFile(context.Background(), remotePath, localPath); err != nil {
		t.Fatalf("FetchFile failed: %v", err)
	}

	got, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "line one\nline two\n" {
		t.Errorf("fetched content = %q", got)
	}
}

func TestFetchFileMissingRemoteIsNotFound(t *testing.T) {
	server := newTestServer(t)

	bridge, err := NewBridge(testConfig(server.addr), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	defer bridge.Close()

	err = bridge.FetchFile(context.Background(), "/does/not/exist", filepath.Join(t.TempDir(), "out"))
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestConnectUnreachableIsWorkloadUnavailable(t *testing.T) {
	// Grab a free port, then close the listener so nothing is there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := testConfig(addr)
	cfg.ConnectTimeout = time.Second

	bridge, err := NewBridge(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	err = bridge.Connect(context.Background())
	if !engine.HasCode(err, engine.ErrCodeWorkloadUnavailable) {
		t.Errorf("expected WORKLOAD_UNAVAILABLE, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Errorf("connection failure should be transient: %v", err)
	}
}
