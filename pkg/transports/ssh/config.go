// Package ssh is the operational shell bridge: an interactive PTY session
// into a workload host for diagnosis, plus file retrieval over SFTP.
package ssh

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the bridge authenticates.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"
)

// Config holds SSH connection configuration for the shell bridge.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod selects the authentication method.
	AuthMethod AuthMethod

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase decrypts an encrypted private key.
	PrivateKeyPassphrase string

	// KnownHostsPath verifies the host key against a known_hosts file.
	// Empty disables host key verification; fine for lab boxes, not for
	// anything reachable from outside.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:           host,
		Port:           22,
		User:           user,
		AuthMethod:     AuthMethodKey,
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BuildClientConfig converts the Config into an ssh.ClientConfig.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(c.Password))
	case AuthMethodKey:
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
