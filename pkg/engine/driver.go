package engine

import (
	"context"
	"sort"
	"sync"
)

// Driver performs the backend work of a resource type. The engine owns the
// state machine around it: each method is called at most once per successful
// transition, and a returned error moves the resource to FAILED.
//
// Discover may be called again after Provision returns a conflict error
// carrying a candidate (see NewConflictError and DetailCandidate); the
// candidate is blacklisted on the resource before the call.
type Driver interface {
	Discover(ctx context.Context, r *Resource) error
	Provision(ctx context.Context, r *Resource) error
	Deploy(ctx context.Context, r *Resource) error
	Start(ctx context.Context, r *Resource) error
	Stop(ctx context.Context, r *Resource) error
	Release(ctx context.Context, r *Resource) error
}

// TraceReader is implemented by drivers that collect traces.
type TraceReader interface {
	Trace(ctx context.Context, r *Resource, name string, attr TraceAttr, block, offset int64) (string, error)
}

// ConnectionValidator is implemented by drivers that restrict what a
// resource may be connected to.
type ConnectionValidator interface {
	ValidConnection(r *Resource, peer *Resource) error
}

// Poller is implemented by drivers whose started resources finish on their
// own, such as applications whose process exits. Poll reports whether the
// resource has finished; the engine then moves it to STOPPED without calling
// Stop.
type Poller interface {
	Poll(ctx context.Context, r *Resource) (finished bool, err error)
}

// BaseDriver implements Driver with no-ops. Embed it to implement only the
// steps a resource type needs.
type BaseDriver struct{}

func (BaseDriver) Discover(context.Context, *Resource) error  { return nil }
func (BaseDriver) Provision(context.Context, *Resource) error { return nil }
func (BaseDriver) Deploy(context.Context, *Resource) error    { return nil }
func (BaseDriver) Start(context.Context, *Resource) error     { return nil }
func (BaseDriver) Stop(context.Context, *Resource) error      { return nil }
func (BaseDriver) Release(context.Context, *Resource) error   { return nil }

// TypeInfo describes a registered resource type.
type TypeInfo struct {
	Type       string
	Help       string
	Attributes []AttributeSpec
	Traces     []TraceSpec

	// New creates the driver for one resource instance.
	New func() Driver
}

// Registry maps resource type names to their TypeInfo. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeInfo)}
}

// Register adds a resource type. Registering the same name twice is an error.
func (r *Registry) Register(info TypeInfo) error {
	if info.Type == "" {
		return NewConfigError("resource type name is required")
	}
	if info.New == nil {
		return NewConfigError("resource type %s has no driver constructor", info.Type)
	}

	seen := make(map[string]bool)
	for _, a := range append(append([]AttributeSpec{}, commonAttributes...), info.Attributes...) {
		if seen[a.Name] {
			return NewConfigError("resource type %s declares attribute %s twice", info.Type, a.Name)
		}
		seen[a.Name] = true
		if a.Default != "" {
			if err := a.Validate(a.Default); err != nil {
				return NewConfigError("resource type %s: bad default: %v", info.Type, err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[info.Type]; exists {
		return Errorf(ErrCodeAlreadyExists, "resource type %s already registered", info.Type)
	}
	r.types[info.Type] = info
	return nil
}

// MustRegister is Register for package init code. It panics on error.
func (r *Registry) MustRegister(info TypeInfo) {
	if err := r.Register(info); err != nil {
		panic(err)
	}
}

// Lookup returns the TypeInfo registered under rtype.
func (r *Registry) Lookup(rtype string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[rtype]
	return info, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttributesOf returns the full attribute list of rtype, common attributes first.
func (r *Registry) AttributesOf(rtype string) ([]AttributeSpec, bool) {
	info, ok := r.Lookup(rtype)
	if !ok {
		return nil, false
	}
	out := make([]AttributeSpec, 0, len(commonAttributes)+len(info.Attributes))
	out = append(out, commonAttributes...)
	out = append(out, info.Attributes...)
	return out, true
}
