package linux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/transports/ssh"
)

// NodeTypeInfo describes linux::Node.
func NodeTypeInfo(opts Options) engine.TypeInfo {
	opts = opts.withDefaults()
	return engine.TypeInfo{
		Type: NodeType,
		Help: "Linux host reached over SSH",
		Attributes: []engine.AttributeSpec{
			{
				Name:  "hostname",
				Help:  "Host name or address. A comma separated list gives candidates tried in order",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly,
			},
			{
				Name:  "username",
				Help:  "Login account",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly | engine.FlagCredential,
			},
			{
				Name:    "port",
				Help:    "SSH port",
				Type:    engine.AttrInteger,
				Flags:   engine.FlagExecReadOnly,
				Default: "22",
			},
			{
				Name:  "identity",
				Help:  "Private key file. Without identity or password the SSH agent is used",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly | engine.FlagCredential,
			},
			{
				Name:  "password",
				Help:  "Login password",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly | engine.FlagCredential,
			},
			{
				Name:  "gateway",
				Help:  "Jump host used to reach the node",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly,
			},
			{
				Name:  "gatewayUser",
				Help:  "Login account on the gateway, defaults to username",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly | engine.FlagCredential,
			},
			{
				Name:    "strictHostKeyChecking",
				Help:    "Reject hosts missing from known_hosts",
				Type:    engine.AttrBool,
				Default: "false",
			},
			{
				Name:    "cleanExperiment",
				Help:    "Remove the experiment directory on release",
				Type:    engine.AttrBool,
				Default: "false",
			},
			{
				Name:  "ip",
				Help:  "Address the host name resolved to",
				Type:  engine.AttrString,
				Flags: engine.FlagReadOnly,
			},
		},
		New: func() engine.Driver { return &nodeDriver{opts: opts} },
	}
}

type nodeDriver struct {
	engine.BaseDriver
	opts Options

	mu      sync.Mutex
	host    string
	key     string
	session ssh.Transport
}

// Discover picks the first candidate host that is not blacklisted and
// resolves.
func (d *nodeDriver) Discover(ctx context.Context, r *engine.Resource) error {
	hosts := candidates(r.Value("hostname"))
	if len(hosts) == 0 {
		return engine.NewConfigError("hostname is required").WithResource(r.GUID())
	}

	var errs []error
	for _, host := range hosts {
		if r.IsBlacklisted(host) {
			continue
		}
		addrs, err := d.opts.Resolve(ctx, host)
		if err == nil && len(addrs) == 0 {
			err = errors.New("no addresses")
		}
		if err != nil {
			r.Logger().WithError(err).Debugf("Skipping candidate %s", host)
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		if err := r.SetValue("ip", addrs[0]); err != nil {
			return err
		}
		d.mu.Lock()
		d.host = host
		d.mu.Unlock()
		r.Logger().Infof("Discovered %s at %s", host, addrs[0])
		return nil
	}
	if len(errs) == 0 {
		return errors.New("every candidate host was rejected")
	}
	return fmt.Errorf("no candidate host resolves: %w", errors.Join(errs...))
}

// Provision opens the shared session and creates the experiment directory.
// An unreachable host is reported as a conflict so discovery moves on to the
// next candidate.
func (d *nodeDriver) Provision(ctx context.Context, r *engine.Resource) error {
	cfg, err := sessionConfig(r)
	if err != nil {
		return err
	}

	session, err := acquireSession(ctx, r, d.opts, cfg)
	if err != nil {
		if host, ok := d.spareCandidate(r); ok && ssh.IsTemporary(err) {
			return engine.NewConflictError("host unreachable", err).
				WithDetail(engine.DetailCandidate, host)
		}
		return err
	}

	if err := session.MkdirAll(ctx, ExperimentDir(r)); err != nil {
		_ = r.Controller().Sessions().Release(cfg.Key())
		return fmt.Errorf("failed to create experiment directory: %w", err)
	}

	d.mu.Lock()
	d.key, d.session = cfg.Key(), session
	d.mu.Unlock()
	return nil
}

// Deploy checks the session is still usable before the node is declared ready.
func (d *nodeDriver) Deploy(ctx context.Context, r *engine.Resource) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return errors.New("node has no session")
	}
	return session.HealthCheck(ctx)
}

// Release drops the node's session reference, removing the experiment
// directory first when cleanExperiment is set.
func (d *nodeDriver) Release(ctx context.Context, r *engine.Resource) error {
	d.mu.Lock()
	session, key := d.session, d.key
	d.session, d.key = nil, ""
	d.mu.Unlock()
	if session == nil {
		return nil
	}

	var errs []error
	if boolValue(r, "cleanExperiment") {
		if err := session.RemoveAll(ctx, ExperimentDir(r)); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove experiment directory: %w", err))
		}
	}
	if err := r.Controller().Sessions().Release(key); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// spareCandidate returns the host Discover settled on when another
// candidate is still available to replace it.
func (d *nodeDriver) spareCandidate(r *engine.Resource) (string, bool) {
	d.mu.Lock()
	current := d.host
	d.mu.Unlock()
	for _, host := range candidates(r.Value("hostname")) {
		if host != current && !r.IsBlacklisted(host) {
			return current, true
		}
	}
	return "", false
}

func candidates(hostname string) []string {
	var out []string
	for _, h := range strings.Split(hostname, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
