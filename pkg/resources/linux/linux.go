// Package linux provides resource drivers for plain Linux hosts reached over
// SSH: linux::Node for the host itself and linux::Application for a command
// running on it.
//
// Every resource connected to the same account on the same host shares one
// SSH session. Sessions live in the controller's keyed store and are closed
// when the last resource using them is released.
package linux

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/transports/ssh"
)

// Resource type names.
const (
	NodeType        = "linux::Node"
	ApplicationType = "linux::Application"
)

// rootDir holds experiment directories. It is relative to the login
// directory, which is where both SFTP and remote shells start.
const rootDir = ".netexp"

// DialFunc opens a connected transport.
type DialFunc func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error)

// ResolveFunc returns the addresses of host.
type ResolveFunc func(ctx context.Context, host string) ([]string, error)

// Options configures the linux drivers.
type Options struct {
	// Dial connects to a host. Defaults to ssh.Dial.
	Dial DialFunc

	// Resolve looks up host names during discovery. Defaults to the
	// system resolver.
	Resolve ResolveFunc

	// RetryTimeout bounds how long transient connection errors are retried.
	RetryTimeout time.Duration

	// RetryInterval is the first wait between connection attempts.
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
			return ssh.Dial(ctx, cfg)
		}
	}
	if o.Resolve == nil {
		o.Resolve = net.DefaultResolver.LookupHost
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = 2 * time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	return o
}

// Register adds linux::Node and linux::Application to reg.
func Register(reg *engine.Registry, opts Options) error {
	opts = opts.withDefaults()
	if err := reg.Register(NodeTypeInfo(opts)); err != nil {
		return err
	}
	return reg.Register(ApplicationTypeInfo(opts))
}

// ExperimentDir returns the remote directory of the experiment r belongs to.
func ExperimentDir(r *engine.Resource) string {
	return path.Join(rootDir, r.Controller().ExpID())
}

// sessionConfig builds the SSH configuration of a node resource.
func sessionConfig(node *engine.Resource) (*ssh.Config, error) {
	host := node.Value("ip")
	if host == "" {
		host = node.Value("hostname")
	}
	cfg := ssh.DefaultConfig(host, node.Value("username"))

	port, err := strconv.Atoi(node.Value("port"))
	if err != nil {
		return nil, engine.NewConfigError("invalid port %q", node.Value("port")).WithResource(node.GUID())
	}
	cfg.Port = port
	cfg.StrictHostKeyChecking = boolValue(node, "strictHostKeyChecking")

	switch {
	case node.Value("identity") != "":
		cfg.Auth = ssh.AuthMethodKey
		cfg.KeyPath = node.Value("identity")
	case node.Value("password") != "":
		cfg.Auth = ssh.AuthMethodPassword
		cfg.Password = node.Value("password")
	default:
		cfg.Auth = ssh.AuthMethodAgent
	}

	if gw := node.Value("gateway"); gw != "" {
		cfg.UseGateway(gw, node.Value("gatewayUser"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigError("%v", err).WithResource(node.GUID())
	}
	return cfg, nil
}

// acquireSession returns the shared session for cfg, dialing it with
// exponential backoff when no resource holds it yet. Each successful call
// must be matched by a release of cfg.Key().
func acquireSession(ctx context.Context, r *engine.Resource, opts Options, cfg *ssh.Config) (ssh.Transport, error) {
	v, err := r.Controller().Sessions().Acquire(cfg.Key(), func() (io.Closer, error) {
		t, err := dialWithRetry(ctx, r, opts, cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	t, ok := v.(ssh.Transport)
	if !ok {
		_ = r.Controller().Sessions().Release(cfg.Key())
		return nil, fmt.Errorf("session %s holds %T, not an SSH transport", cfg.Key(), v)
	}
	return t, nil
}

func dialWithRetry(ctx context.Context, r *engine.Resource, opts Options, cfg *ssh.Config) (ssh.Transport, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryInterval

	attempt := 0
	return backoff.Retry(ctx, func() (ssh.Transport, error) {
		attempt++
		t, err := opts.Dial(ctx, cfg)
		if err == nil {
			return t, nil
		}
		if !ssh.IsTemporary(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(opts.RetryTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.Logger().WithError(err).Warnf("Connection to %s failed (attempt %d), retrying in %s", cfg.Key(), attempt, next)
		}),
	)
}

func boolValue(r *engine.Resource, name string) bool {
	v, err := r.Get(name)
	return err == nil && v.Bool()
}
