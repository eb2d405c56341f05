// Package dummy provides resource types that do no real work. They sleep
// and fail on request, which makes them useful for dry runs of experiment
// descriptions and for exercising the engine.
package dummy

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netexp/netexp/pkg/engine"
)

// Resource type names.
const (
	NodeType        = "dummy::Node"
	ApplicationType = "dummy::Application"
)

var steps = []string{"none", "discover", "provision", "deploy", "start", "stop", "release"}

var commonAttributes = []engine.AttributeSpec{
	{
		Name: "deployDelay",
		Help: "How long deploy takes, as a Go duration",
		Type: engine.AttrString,
	},
	{
		Name: "startDelay",
		Help: "How long start takes, as a Go duration",
		Type: engine.AttrString,
	},
	{
		Name:    "failOn",
		Help:    "Lifecycle step that fails",
		Type:    engine.AttrEnum,
		Allowed: steps,
		Default: "none",
	},
}

// NodeTypeInfo describes dummy::Node.
func NodeTypeInfo() engine.TypeInfo {
	return engine.TypeInfo{
		Type:       NodeType,
		Help:       "Node that does nothing",
		Attributes: append([]engine.AttributeSpec(nil), commonAttributes...),
		New:        func() engine.Driver { return &driver{} },
	}
}

// ApplicationTypeInfo describes dummy::Application. Applications finish on
// their own once duration has passed since start.
func ApplicationTypeInfo() engine.TypeInfo {
	attrs := append([]engine.AttributeSpec(nil), commonAttributes...)
	attrs = append(attrs, engine.AttributeSpec{
		Name: "duration",
		Help: "How long the application runs once started. Empty runs until stopped",
		Type: engine.AttrString,
	})
	return engine.TypeInfo{
		Type:       ApplicationType,
		Help:       "Application that only logs its lifecycle",
		Attributes: attrs,
		Traces:     []engine.TraceSpec{{Name: "stdout", Help: "One line per lifecycle step"}},
		New:        func() engine.Driver { return &appDriver{} },
	}
}

// Register adds dummy::Node and dummy::Application to reg.
func Register(reg *engine.Registry) error {
	if err := reg.Register(NodeTypeInfo()); err != nil {
		return err
	}
	return reg.Register(ApplicationTypeInfo())
}

type driver struct {
	mu  sync.Mutex
	log strings.Builder
}

func (d *driver) Discover(ctx context.Context, r *engine.Resource) error {
	for _, name := range []string{"deployDelay", "startDelay", "duration"} {
		if _, err := duration(r, name); err != nil {
			return engine.NewConfigError("%v", err).WithResource(r.GUID())
		}
	}
	return d.step(ctx, r, "discover", "")
}

func (d *driver) Provision(ctx context.Context, r *engine.Resource) error {
	return d.step(ctx, r, "provision", "")
}

func (d *driver) Deploy(ctx context.Context, r *engine.Resource) error {
	return d.step(ctx, r, "deploy", "deployDelay")
}

func (d *driver) Start(ctx context.Context, r *engine.Resource) error {
	return d.step(ctx, r, "start", "startDelay")
}

func (d *driver) Stop(ctx context.Context, r *engine.Resource) error {
	return d.step(ctx, r, "stop", "")
}

func (d *driver) Release(ctx context.Context, r *engine.Resource) error {
	return d.step(ctx, r, "release", "")
}

// step records name, sleeps for the delay attribute and fails when failOn
// names the step.
func (d *driver) step(ctx context.Context, r *engine.Resource, name, delayAttr string) error {
	d.mu.Lock()
	fmt.Fprintf(&d.log, "%s %s\n", time.Now().Format(time.RFC3339Nano), name)
	d.mu.Unlock()

	if delayAttr != "" {
		delay, _ := duration(r, delayAttr)
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if r.Value("failOn") == name {
		return fmt.Errorf("%s failed on request", name)
	}
	return nil
}

func (d *driver) output() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.log.String()
}

type appDriver struct {
	driver
	started time.Time
}

func (d *appDriver) Start(ctx context.Context, r *engine.Resource) error {
	if err := d.driver.Start(ctx, r); err != nil {
		return err
	}
	d.mu.Lock()
	d.started = time.Now()
	d.mu.Unlock()
	return nil
}

// Poll reports the application finished once its duration has passed.
func (d *appDriver) Poll(_ context.Context, r *engine.Resource) (bool, error) {
	run, err := duration(r, "duration")
	if err != nil || run == 0 {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.started.IsZero() && time.Since(d.started) >= run, nil
}

func (d *appDriver) Trace(_ context.Context, r *engine.Resource, name string, attr engine.TraceAttr, block, offset int64) (string, error) {
	if name != "stdout" {
		return "", engine.NewNotFoundError("%s has no trace %s", ApplicationType, name).WithResource(r.GUID())
	}
	out := d.output()
	switch attr {
	case engine.TracePath:
		return filepath.Join(r.RunDir(), name), nil
	case engine.TraceSize:
		return strconv.Itoa(len(out)), nil
	case engine.TraceStream:
		if offset > int64(len(out)) {
			offset = int64(len(out))
		}
		end := int64(len(out))
		if block >= 0 && offset+block < end {
			end = offset + block
		}
		return out[offset:end], nil
	default:
		return out, nil
	}
}

func duration(r *engine.Resource, name string) (time.Duration, error) {
	v := r.Value(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("attribute %s: %q is not a valid duration", name, v)
	}
	return d, nil
}
