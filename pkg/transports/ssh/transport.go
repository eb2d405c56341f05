// Package ssh provides the SSH transport resource drivers use to reach
// testbed hosts: command execution, background processes and SFTP file
// access over one shared connection.
package ssh

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// Transport is the set of remote operations resource drivers rely on.
// *Client implements it.
type Transport interface {
	// Connect establishes the connection. Connecting an already connected
	// transport is a no-op while the connection is healthy.
	Connect(ctx context.Context) error

	// Close drops the connection and releases all resources.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Execute runs a command and waits for it to exit.
	Execute(ctx context.Context, cmd string) (ExecResult, error)

	// ExecuteWithSudo runs a command through sudo. An empty password relies
	// on NOPASSWD.
	ExecuteWithSudo(ctx context.Context, cmd string, sudoPassword string) (ExecResult, error)

	// RunBackground starts a detached command and returns its pid.
	RunBackground(ctx context.Context, cmd string, opts BackgroundOptions) (int, error)

	// IsRunning reports whether pid is alive.
	IsRunning(ctx context.Context, pid int) (bool, error)

	// Kill sends SIGTERM to pid and its process group.
	Kill(ctx context.Context, pid int) error

	// UploadFile copies a local file to remotePath, creating parent directories.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// UploadBytes writes data to remotePath, creating parent directories.
	UploadBytes(ctx context.Context, data []byte, remotePath string, mode uint32) error

	// ReadFile reads size bytes at offset. A negative size reads to the end.
	ReadFile(ctx context.Context, remotePath string, offset, size int64) ([]byte, error)

	// Stat returns information about a remote file.
	Stat(ctx context.Context, remotePath string) (fs.FileInfo, error)

	// MkdirAll creates a remote directory and its parents.
	MkdirAll(ctx context.Context, remotePath string) error

	// RemoveAll removes a remote path recursively.
	RemoveAll(ctx context.Context, remotePath string) error

	// ConnectionInfo returns information about the current connection.
	ConnectionInfo() ConnectionInfo
}

// BackgroundOptions controls how RunBackground detaches a command.
type BackgroundOptions struct {
	// Dir is the working directory. Empty means the login directory.
	Dir string

	// Stdout and Stderr are remote files receiving the command output.
	// Empty discards it.
	Stdout string
	Stderr string

	// PIDFile, when set, receives the pid.
	PIDFile string

	// Env is exported before the command runs.
	Env map[string]string

	// Sudo runs the command as root.
	Sudo bool
}

// ConnectionInfo describes the current connection of a Client.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	ConnectedAt  time.Time
	LastActivity time.Time

	// Gateway is the jump host address, empty for direct connections.
	Gateway string
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout string
	Stderr string

	// ExitCode is -1 when the command did not exit normally.
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// TransportError is returned by every Client operation. Op names the
// operation ("connect", "exec", "upload", ...).
type TransportError struct {
	Op  string
	Err error

	// Retryable errors come from the network, not from the remote host.
	Retryable bool

	// Auth marks rejected credentials or unusable keys.
	Auth bool
}

func (e *TransportError) Error() string   { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return e.Retryable }

// IsTemporary reports whether err is a TransportError worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Auth
}

var _ Transport = (*Client)(nil)
