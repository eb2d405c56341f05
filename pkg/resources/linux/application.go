package linux

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/transports/ssh"
)

// ApplicationTypeInfo describes linux::Application.
func ApplicationTypeInfo(opts Options) engine.TypeInfo {
	opts = opts.withDefaults()
	return engine.TypeInfo{
		Type: ApplicationType,
		Help: "Command run in the background on a connected linux::Node",
		Attributes: []engine.AttributeSpec{
			{
				Name:  "command",
				Help:  "Shell command to run",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly,
			},
			{
				Name:  "sources",
				Help:  "Local files uploaded to the application directory before start, separated by spaces",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly,
			},
			{
				Name:  "env",
				Help:  "Environment variables as space separated NAME=value pairs",
				Type:  engine.AttrString,
				Flags: engine.FlagExecReadOnly,
			},
			{
				Name:    "sudo",
				Help:    "Run the command through sudo",
				Type:    engine.AttrBool,
				Flags:   engine.FlagExecReadOnly,
				Default: "false",
			},
			{
				Name:  "pid",
				Help:  "Process id of the running command",
				Type:  engine.AttrInteger,
				Flags: engine.FlagReadOnly,
			},
		},
		Traces: []engine.TraceSpec{
			{Name: "stdout", Help: "Standard output of the command"},
			{Name: "stderr", Help: "Standard error of the command"},
		},
		New: func() engine.Driver { return &appDriver{opts: opts} },
	}
}

type appDriver struct {
	engine.BaseDriver
	opts Options

	mu      sync.Mutex
	key     string
	session ssh.Transport
	pid     int
}

// ValidConnection accepts a single linux::Node.
func (d *appDriver) ValidConnection(r *engine.Resource, peer *engine.Resource) error {
	if peer.Type() != NodeType {
		return fmt.Errorf("%s can only be connected to a %s, not %s", ApplicationType, NodeType, peer.Type())
	}
	for _, n := range r.Connected(NodeType) {
		if n.GUID() != peer.GUID() {
			return fmt.Errorf("already connected to node %d", n.GUID())
		}
	}
	return nil
}

// Discover checks the application is attached to a node and can run.
func (d *appDriver) Discover(ctx context.Context, r *engine.Resource) error {
	if strings.TrimSpace(r.Value("command")) == "" {
		return engine.NewConfigError("command is required").WithResource(r.GUID())
	}
	if _, err := parseEnv(r.Value("env")); err != nil {
		return engine.NewConfigError("%v", err).WithResource(r.GUID())
	}
	if _, err := shlex.Split(r.Value("sources")); err != nil {
		return engine.NewConfigError("invalid sources: %v", err).WithResource(r.GUID())
	}
	_, err := node(r)
	return err
}

// Deploy waits for the node to be ready, then uploads the sources and the
// command into the application directory.
func (d *appDriver) Deploy(ctx context.Context, r *engine.Resource) error {
	n, err := node(r)
	if err != nil {
		return err
	}
	if err := r.Controller().WaitDeployed(ctx, []engine.GUID{n.GUID()}); err != nil {
		return err
	}
	if n.State() == engine.StateFailed {
		return engine.NewError(engine.ErrCodeDependencyFailed, fmt.Sprintf("node %d failed", n.GUID()), n.Failure())
	}

	cfg, err := sessionConfig(n)
	if err != nil {
		return err
	}
	session, err := acquireSession(ctx, r, d.opts, cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.key, d.session = cfg.Key(), session
	d.mu.Unlock()

	dir := appDir(r)
	if err := session.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("failed to create application directory: %w", err)
	}

	sources, _ := shlex.Split(r.Value("sources"))
	for _, src := range sources {
		remote := path.Join(dir, filepath.Base(src))
		if err := session.UploadFile(ctx, src, remote, 0); err != nil {
			return fmt.Errorf("failed to upload %s: %w", src, err)
		}
		r.Logger().Debugf("Uploaded %s to %s", src, remote)
	}

	return session.UploadBytes(ctx, []byte(r.Value("command")+"\n"), path.Join(dir, "cmd"), 0o644)
}

// Start launches the command detached from the session.
func (d *appDriver) Start(ctx context.Context, r *engine.Resource) error {
	session, err := d.current()
	if err != nil {
		return err
	}
	env, err := parseEnv(r.Value("env"))
	if err != nil {
		return err
	}

	dir := appDir(r)
	pid, err := session.RunBackground(ctx, r.Value("command"), ssh.BackgroundOptions{
		Dir:     dir,
		Stdout:  path.Join(dir, "stdout"),
		Stderr:  path.Join(dir, "stderr"),
		PIDFile: path.Join(dir, "pid"),
		Env:     env,
		Sudo:    boolValue(r, "sudo"),
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.pid = pid
	d.mu.Unlock()
	r.Logger().Infof("Started pid %d", pid)
	return r.SetValue("pid", strconv.Itoa(pid))
}

// Poll reports whether the command has exited.
func (d *appDriver) Poll(ctx context.Context, r *engine.Resource) (bool, error) {
	session, err := d.current()
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	pid := d.pid
	d.mu.Unlock()
	if pid == 0 {
		return true, nil
	}
	running, err := session.IsRunning(ctx, pid)
	if err != nil {
		return false, err
	}
	return !running, nil
}

// Stop terminates the command.
func (d *appDriver) Stop(ctx context.Context, r *engine.Resource) error {
	session, err := d.current()
	if err != nil {
		return err
	}
	d.mu.Lock()
	pid := d.pid
	d.mu.Unlock()
	if pid == 0 {
		return nil
	}
	return session.Kill(ctx, pid)
}

// Release kills a command still running and drops the session reference.
func (d *appDriver) Release(ctx context.Context, r *engine.Resource) error {
	d.mu.Lock()
	session, key, pid := d.session, d.key, d.pid
	d.session, d.key, d.pid = nil, "", 0
	d.mu.Unlock()
	if session == nil {
		return nil
	}

	var errs []error
	if pid != 0 {
		if running, err := session.IsRunning(ctx, pid); err != nil {
			errs = append(errs, err)
		} else if running {
			if err := session.Kill(ctx, pid); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := r.Controller().Sessions().Release(key); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Trace reads the stdout or stderr file of the command.
func (d *appDriver) Trace(ctx context.Context, r *engine.Resource, name string, attr engine.TraceAttr, block, offset int64) (string, error) {
	if name != "stdout" && name != "stderr" {
		return "", engine.NewNotFoundError("%s has no trace %s", ApplicationType, name).WithResource(r.GUID())
	}
	file := path.Join(appDir(r), name)
	if attr == engine.TracePath {
		return file, nil
	}

	session, err := d.current()
	if err != nil {
		return "", err
	}
	switch attr {
	case engine.TraceSize:
		info, err := session.Stat(ctx, file)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(info.Size(), 10), nil
	case engine.TraceStream:
		data, err := session.ReadFile(ctx, file, offset, block)
		return string(data), err
	default:
		data, err := session.ReadFile(ctx, file, 0, -1)
		return string(data), err
	}
}

func (d *appDriver) current() (ssh.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, errors.New("application is not deployed")
	}
	return d.session, nil
}

func appDir(r *engine.Resource) string {
	return path.Join(ExperimentDir(r), strconv.Itoa(int(r.GUID())))
}

func node(r *engine.Resource) (*engine.Resource, error) {
	nodes := r.Connected(NodeType)
	if len(nodes) != 1 {
		return nil, engine.NewConfigError("%s needs exactly one connected %s, found %d",
			ApplicationType, NodeType, len(nodes)).WithResource(r.GUID())
	}
	return nodes[0], nil
}

// parseEnv splits NAME=value pairs with shell quoting rules.
func parseEnv(s string) (map[string]string, error) {
	words, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid env: %w", err)
	}
	env := make(map[string]string, len(words))
	for _, w := range words {
		name, value, ok := strings.Cut(w, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid env entry %q, expected NAME=value", w)
		}
		env[name] = value
	}
	return env, nil
}
