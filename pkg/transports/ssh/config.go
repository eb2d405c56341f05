package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a Login authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when a key login names no key.
var defaultKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Login is one hop of a session: the address and the credentials used on it.
type Login struct {
	Host string
	Port int
	User string
	Auth AuthMethod

	Password string

	// KeyPath is the private key of AuthMethodKey. Empty picks the first of
	// ~/.ssh/id_ed25519, id_rsa and id_ecdsa that exists.
	KeyPath       string
	KeyPassphrase string
}

// Address returns host:port.
func (l Login) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l *Login) validate() error {
	if l.Host == "" {
		return errors.New("host is required")
	}
	if l.Port <= 0 || l.Port > 65535 {
		return fmt.Errorf("invalid port: %d", l.Port)
	}
	if l.User == "" {
		return errors.New("user is required")
	}

	switch l.Auth {
	case AuthMethodPassword:
		if l.Password == "" {
			return errors.New("password authentication needs a password")
		}
	case AuthMethodKey:
		if l.KeyPath == "" {
			l.KeyPath = findDefaultKey()
		}
		if l.KeyPath == "" {
			return errors.New("key authentication needs a key and none was found in ~/.ssh")
		}
		if _, err := os.Stat(l.KeyPath); err != nil {
			return fmt.Errorf("private key %s: %w", l.KeyPath, err)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("agent authentication needs SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method %q", l.Auth)
	}
	return nil
}

func findDefaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range defaultKeys {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// authMethods builds the client auth for the login.
func (l Login) authMethods() ([]ssh.AuthMethod, error) {
	switch l.Auth {
	case AuthMethodPassword:
		// Servers that only prompt through keyboard-interactive get the same
		// password for every question.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = l.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(l.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(l.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if l.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(l.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", l.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method %q", l.Auth)
}

// Config describes a session to a testbed host, optionally through a
// gateway.
type Config struct {
	Login

	// Gateway is the jump host. Nil connects directly.
	Gateway *Login

	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// Testbed nodes are often reinstalled between experiments, so nodes can
	// turn it off.
	StrictHostKeyChecking bool

	ConnectTimeout time.Duration

	// CommandTimeout bounds commands run without a context deadline.
	CommandTimeout time.Duration

	// KeepAliveInterval of zero disables keep-alives. KeepAliveMaxMissed
	// failures in a row stop them.
	KeepAliveInterval  time.Duration
	KeepAliveMaxMissed int
}

// DefaultConfig returns a key-authenticated config for user@host:22.
func DefaultConfig(host, user string) *Config {
	cfg := &Config{
		Login:                 Login{Host: host, Port: 22, User: user, Auth: AuthMethodKey},
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		KeepAliveMaxMissed:    3,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	return cfg
}

// UseGateway routes the session through host:22, logging in there with the
// target's credentials as user (the target user when empty).
func (c *Config) UseGateway(host, user string) {
	gw := c.Login
	gw.Host = host
	gw.Port = 22
	if user != "" {
		gw.User = user
	}
	c.Gateway = &gw
}

// Validate checks the config and resolves a default private key.
func (c *Config) Validate() error {
	if err := c.Login.validate(); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	if c.Gateway != nil {
		if err := c.Gateway.validate(); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	}
	return nil
}

// ClientConfig returns the x/crypto/ssh config for the target host.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.Login)
}

func (c *Config) gatewayClientConfig() (*ssh.ClientConfig, error) {
	if c.Gateway == nil {
		return nil, errors.New("no gateway configured")
	}
	return c.clientConfig(*c.Gateway)
}

func (c *Config) clientConfig(l Login) (*ssh.ClientConfig, error) {
	auth, err := l.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            l.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// GatewayAddress returns the gateway host:port, or "" without one.
func (c *Config) GatewayAddress() string {
	if c.Gateway == nil {
		return ""
	}
	return c.Gateway.Address()
}

// Key identifies the connection this config opens. Resources presenting the
// same key can share one client.
func (c *Config) Key() string {
	key := c.User + "@" + c.Address()
	if c.Gateway != nil {
		key += " via " + c.Gateway.User + "@" + c.Gateway.Address()
	}
	return key
}
