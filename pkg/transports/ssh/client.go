package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is an SSH connection to one host, optionally through a jump host.
// It is safe for concurrent use; each command runs on its own session.
type Client struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	gateway     *ssh.Client
	sftp        *sftp.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient creates a client. It does not connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := probe(c.client); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.ClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, Auth: true}
	}

	if c.config.Gateway != nil {
		err = c.connectViaGateway(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	return nil
}

// connectDirect establishes a direct SSH connection.
func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dialContext(ctx, "connect", nil, address, clientConfig)
	if err != nil {
		return err
	}
	c.client = client

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaGateway establishes an SSH connection through a jump host.
func (c *Client) connectViaGateway(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	gwConfig, err := c.config.gatewayClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-gateway", Err: fmt.Errorf("failed to build gateway config: %w", err), Auth: true}
	}

	gwAddress := c.config.GatewayAddress()
	log.Debug().Str("gateway", gwAddress).Msg("connecting to gateway")

	gwClient, err := dialContext(ctx, "connect-gateway", nil, gwAddress, gwConfig)
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	client, err := dialContext(ctx, "connect-via-gateway", gwClient, targetAddress, targetConfig)
	if err != nil {
		_ = gwClient.Close()
		return err
	}

	c.client = client
	c.gateway = gwClient

	log.Info().Str("target", targetAddress).Str("gateway", gwAddress).Msg("SSH connection established via gateway")
	return nil
}

// dialContext opens the TCP connection (through via when set) and runs the
// SSH handshake, both bounded by ctx. The returned error is always a
// *TransportError.
func dialContext(ctx context.Context, op string, via *ssh.Client, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		d := net.Dialer{Timeout: config.Timeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, &TransportError{Op: op, Err: err, Retryable: true}
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &TransportError{Op: op, Err: ctx.Err(), Retryable: true}
		}
		auth := isHandshakeAuthError(err)
		return nil, &TransportError{Op: op, Err: err, Retryable: !auth, Auth: auth}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func isHandshakeAuthError(err error) bool {
	// x/crypto reports exhausted auth methods as a plain error.
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// Close drops the connection. It implements io.Closer so clients can be
// shared through reference-counted stores.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// Disconnect is an alias for Close.
func (c *Client) Disconnect() error {
	return c.Close()
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.gateway != nil {
		_ = c.gateway.Close()
		c.gateway = nil
	}
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}

	done := make(chan error, 1)
	go func() { done <- probe(client) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), Retryable: true}
	}
}

// probe runs "true" on a fresh session.
func probe(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, Retryable: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, Retryable: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many fail in a row.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Str("host", c.config.Host).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.KeepAliveMaxMissed {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		Gateway:      c.config.GatewayAddress(),
	}
}

// getClient returns the underlying SSH client for executor and file transfer.
func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	client, ok := c.client, c.isConnected
	c.connMu.RUnlock()

	if !ok || client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.touch()
	return client, nil
}

// getSFTP returns the client's SFTP session, opening it on first use.
func (c *Client) getSFTP() (*sftp.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("not connected")}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), Retryable: true}
	}
	c.sftp = client
	c.lastUsedAt = time.Now()
	return client, nil
}
