package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/netexp/netexp/pkg/telemetry"
)

// MaxProvisionAttempts bounds how many conflicting candidates a resource
// blacklists before giving up.
const MaxProvisionAttempts = 5

// Resource is one registered element of an experiment: a node, an
// application, a link. The controller owns it; a Driver does the backend
// work for each lifecycle step.
//
// The state can be read at any time without locking. Lifecycle actions on a
// single resource are serialized.
type Resource struct {
	guid   GUID
	info   TypeInfo
	driver Driver
	ec     *ExperimentController
	logger *telemetry.Logger

	state atomic.Int32

	// opMu serializes lifecycle actions. Condition waits happen outside it.
	opMu sync.Mutex

	mu           sync.RWMutex
	times        [StateFailed + 1]time.Time
	attrs        map[string]*attribute
	attrOrder    []string
	traces       map[string]bool
	conditions   map[Action][]Condition
	connections  map[GUID]struct{}
	blacklist    map[string]struct{}
	failure      *EngineError
	releaseErr   error
	waitingFor   Action
	waitingSince time.Time
}

func newResource(ec *ExperimentController, guid GUID, info TypeInfo, driver Driver) *Resource {
	r := &Resource{
		guid:        guid,
		info:        info,
		driver:      driver,
		ec:          ec,
		logger:      ec.logger.WithResource(int(guid), info.Type),
		attrs:       make(map[string]*attribute),
		traces:      make(map[string]bool),
		conditions:  make(map[Action][]Condition),
		connections: make(map[GUID]struct{}),
		blacklist:   make(map[string]struct{}),
	}
	specs := append(append([]AttributeSpec{}, commonAttributes...), info.Attributes...)
	for _, spec := range specs {
		r.attrs[spec.Name] = &attribute{spec: spec, value: spec.Default}
		r.attrOrder = append(r.attrOrder, spec.Name)
	}
	for _, tr := range info.Traces {
		r.traces[tr.Name] = false
	}
	r.state.Store(int32(StateNew))
	r.times[StateNew] = time.Now()
	return r
}

// GUID returns the resource identifier.
func (r *Resource) GUID() GUID { return r.guid }

// Type returns the registered resource type name.
func (r *Resource) Type() string { return r.info.Type }

// State returns the current lifecycle state.
func (r *Resource) State() ResourceState {
	return ResourceState(r.state.Load())
}

// Controller returns the owning experiment controller.
func (r *Resource) Controller() *ExperimentController { return r.ec }

// Logger returns a logger carrying the resource's guid and type.
func (r *Resource) Logger() *telemetry.Logger { return r.logger }

// RunDir returns the directory that holds this resource's files for the
// current experiment, relative to the controller's root directory.
func (r *Resource) RunDir() string {
	return filepath.Join(r.ec.RootDir(), r.ec.ExpID(), strconv.Itoa(int(r.guid)))
}

// Time returns when the resource entered state s, or the zero time.
func (r *Resource) Time(s ResourceState) time.Time {
	if s.Validate() != nil {
		return time.Time{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.times[s]
}

// Failure returns the error that moved the resource to FAILED, if any.
func (r *Resource) Failure() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Attributes

// Get returns an attribute by name.
func (r *Resource) Get(name string) (AttributeValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attrs[name]
	if !ok {
		return AttributeValue{}, NewNotFoundError("%s has no attribute %s", r.info.Type, name).WithResource(r.guid)
	}
	return AttributeValue{AttributeSpec: a.spec, Value: a.value, IsSet: a.set}, nil
}

// Value returns an attribute's value, or the empty string when it is unknown.
func (r *Resource) Value(name string) string {
	v, err := r.Get(name)
	if err != nil {
		return ""
	}
	return v.Value
}

// SetValue sets an attribute from driver code. Flags are not enforced; the
// value must still match the declared type.
func (r *Resource) SetValue(name, value string) error {
	return r.set(name, value, false)
}

func (r *Resource) set(name, value string, enforceFlags bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attrs[name]
	if !ok {
		return NewNotFoundError("%s has no attribute %s", r.info.Type, name).WithResource(r.guid)
	}
	if enforceFlags {
		if a.spec.Flags.Has(FlagReadOnly) {
			return NewConfigError("attribute %s is read-only", name).WithResource(r.guid)
		}
		if a.spec.Flags.Has(FlagExecReadOnly) && r.State().AtLeast(StateReady) {
			return NewConfigError("attribute %s cannot change once the resource is %s", name, r.State()).
				WithResource(r.guid)
		}
	}
	if err := a.spec.Validate(value); err != nil {
		return NewError(ErrCodeValidation, "invalid attribute value", err).WithResource(r.guid)
	}
	a.value = value
	a.set = true
	return nil
}

// AttributeValues returns every attribute in declaration order.
func (r *Resource) AttributeValues() []AttributeValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AttributeValue, 0, len(r.attrOrder))
	for _, name := range r.attrOrder {
		a := r.attrs[name]
		out = append(out, AttributeValue{AttributeSpec: a.spec, Value: a.value, IsSet: a.set})
	}
	return out
}

func (r *Resource) critical() bool {
	v, err := r.Get("critical")
	return err != nil || v.Bool()
}

// Credentials returns the values of all FlagCredential attributes, keyed by name.
func (r *Resource) Credentials() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for name, a := range r.attrs {
		if a.spec.Flags.Has(FlagCredential) {
			out[name] = a.value
		}
	}
	return out
}

// Traces

func (r *Resource) enableTrace(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.traces[name]; !ok {
		return NewNotFoundError("%s has no trace %s", r.info.Type, name).WithResource(r.guid)
	}
	r.traces[name] = true
	return nil
}

// TraceEnabled reports whether the named trace was registered for collection.
func (r *Resource) TraceEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.traces[name]
}

// EnabledTraces returns the names of registered traces, sorted.
func (r *Resource) EnabledTraces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, on := range r.traces {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Connections

func (r *Resource) connect(peer GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[peer] = struct{}{}
}

// Connections returns the guids connected to this resource, sorted.
func (r *Resource) Connections() []GUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedGUIDs(r.connections)
}

// Connected returns the connected resources of the given type. An empty
// rtype returns every connected resource.
func (r *Resource) Connected(rtype string) []*Resource {
	var out []*Resource
	for _, guid := range r.Connections() {
		peer, err := r.ec.GetResource(guid)
		if err != nil {
			continue
		}
		if rtype == "" || peer.Type() == rtype {
			out = append(out, peer)
		}
	}
	return out
}

// Discovery blacklist

// Blacklist excludes a discovery candidate for the rest of this experiment.
func (r *Resource) Blacklist(candidate string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[candidate] = struct{}{}
}

// IsBlacklisted reports whether candidate was excluded by a provision conflict.
func (r *Resource) IsBlacklisted(candidate string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blacklist[candidate]
	return ok
}

// Lifecycle

// Deploy drives the resource from its current state to READY, discovering
// and provisioning first when needed.
func (r *Resource) Deploy(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.discoverLocked(ctx); err != nil {
		return err
	}
	if err := r.provisionLocked(ctx); err != nil {
		return err
	}

	switch s := r.State(); {
	case s == StateFailed:
		return r.Failure()
	case s.AtLeast(StateReady):
		return nil
	}
	if err := r.run(ctx, "deploy", r.driver.Deploy); err != nil {
		return r.fail(ErrCodeTransition, "deploy", err)
	}
	r.setState(StateReady)
	return nil
}

// Discover moves a NEW resource to DISCOVERED.
func (r *Resource) Discover(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.discoverLocked(ctx)
}

func (r *Resource) discoverLocked(ctx context.Context) error {
	switch s := r.State(); {
	case s == StateFailed:
		return r.Failure()
	case s.AtLeast(StateDiscovered):
		return nil
	}
	if err := r.run(ctx, "discover", r.driver.Discover); err != nil {
		return r.fail(ErrCodeTransition, "discover", err)
	}
	r.setState(StateDiscovered)
	return nil
}

// Provision moves a DISCOVERED resource to PROVISIONED. A conflict naming a
// candidate blacklists it and rediscovers, up to MaxProvisionAttempts.
func (r *Resource) Provision(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.provisionLocked(ctx)
}

func (r *Resource) provisionLocked(ctx context.Context) error {
	switch s := r.State(); {
	case s == StateFailed:
		return r.Failure()
	case s.AtLeast(StateProvisioned):
		return nil
	case s != StateDiscovered:
		return r.invalidTransition("provision", s)
	}

	for attempt := 1; ; attempt++ {
		err := r.run(ctx, "provision", r.driver.Provision)
		if err == nil {
			r.setState(StateProvisioned)
			return nil
		}

		candidate, ok := ConflictCandidate(err)
		if !ok || attempt >= MaxProvisionAttempts {
			code := ErrorCode(err)
			if code == "" {
				code = ErrCodeTransition
			}
			return r.fail(code, "provision", err)
		}

		r.logger.WithError(err).Warnf("Provision conflict on %s, rediscovering (attempt %d)", candidate, attempt)
		r.Blacklist(candidate)
		if err := r.run(ctx, "discover", r.driver.Discover); err != nil {
			return r.fail(ErrCodeTransition, "discover", err)
		}
	}
}

// Start moves a READY resource to STARTED.
func (r *Resource) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	switch s := r.State(); {
	case s == StateFailed:
		return r.Failure()
	case s.AtLeast(StateStarted):
		return nil
	case s != StateReady:
		return r.invalidTransition("start", s)
	}
	if err := r.run(ctx, "start", r.driver.Start); err != nil {
		return r.fail(ErrCodeTransition, "start", err)
	}
	r.setState(StateStarted)
	return nil
}

// Stop moves a STARTED resource to STOPPED.
func (r *Resource) Stop(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	switch s := r.State(); {
	case s == StateFailed:
		return r.Failure()
	case s.AtLeast(StateStopped):
		return nil
	case s != StateStarted:
		return r.invalidTransition("stop", s)
	}
	if err := r.run(ctx, "stop", r.driver.Stop); err != nil {
		return r.fail(ErrCodeTransition, "stop", err)
	}
	r.setState(StateStopped)
	return nil
}

// Release frees the resource's backend. It is permitted from every state,
// FAILED included, and runs the driver at most once. A driver error is
// returned and kept, but the resource still ends RELEASED.
func (r *Resource) Release(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.State() == StateReleased {
		return nil
	}
	err := r.run(ctx, "release", r.driver.Release)
	if err != nil {
		r.mu.Lock()
		r.releaseErr = err
		r.mu.Unlock()
		r.logger.WithError(err).Warn("Release failed")
	}
	r.setState(StateReleased)
	return err
}

// Fail moves the resource to FAILED with the given cause. It has no effect
// on a resource that already failed or was released.
func (r *Resource) Fail(code string, cause error) error {
	return r.fail(code, "", cause)
}

// finish moves a STARTED resource whose work ended on its own to STOPPED.
func (r *Resource) finish() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.State() == StateStarted {
		r.setState(StateStopped)
	}
}

func (r *Resource) run(ctx context.Context, action string, call func(context.Context, *Resource) error) (err error) {
	tel := r.ec.tel
	ctx, span := tel.Tracer.StartTransitionSpan(ctx, int(r.guid), r.info.Type, action)
	timer := telemetry.NewTimer()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", action, rec)
		}
		tel.Metrics.ObserveAction(r.info.Type, action, timer.Duration())
		telemetry.EndSpan(span, err)
	}()

	r.logger.WithSpan(ctx).Debugf("Running %s", action)
	return call(ctx, r)
}

// setState records a transition. FAILED and RELEASED are sticky: only a
// release may leave FAILED, and nothing leaves RELEASED.
func (r *Resource) setState(to ResourceState) bool {
	r.mu.Lock()
	from := r.State()
	if from == StateReleased || (from == StateFailed && to != StateReleased) {
		r.mu.Unlock()
		return false
	}
	r.state.Store(int32(to))
	if r.times[to].IsZero() {
		r.times[to] = time.Now()
	}
	r.mu.Unlock()

	r.ec.stateChanged(r, from, to)
	return true
}

func (r *Resource) fail(code, op string, cause error) error {
	if code == "" {
		code = ErrorCode(cause)
	}
	if code == "" {
		code = ErrCodeTransition
	}
	msg := "resource failed"
	if op != "" {
		msg = op + " failed"
	}
	ee := NewError(code, msg, cause).WithResource(r.guid).WithOperation(op)

	r.mu.Lock()
	from := r.State()
	if from == StateFailed || from == StateReleased {
		r.mu.Unlock()
		return ee
	}
	r.failure = ee
	r.state.Store(int32(StateFailed))
	r.times[StateFailed] = time.Now()
	r.mu.Unlock()

	r.logger.WithError(cause).WithField("code", code).Error("Resource failed")
	r.ec.resourceFailed(r, ee)
	r.ec.stateChanged(r, from, StateFailed)
	return ee
}

func (r *Resource) invalidTransition(action string, from ResourceState) error {
	return Errorf(ErrCodeTransition, "cannot %s from %s", action, from).
		WithResource(r.guid).
		WithOperation(action)
}

// ResourceStatus is a point-in-time view of a resource.
type ResourceStatus struct {
	GUID         GUID                 `json:"guid"`
	Type         string               `json:"type"`
	Label        string               `json:"label,omitempty"`
	State        ResourceState        `json:"state"`
	Times        map[string]time.Time `json:"times"`
	FailureCode  string               `json:"failure_code,omitempty"`
	FailureCause string               `json:"failure_cause,omitempty"`
	ReleaseError string               `json:"release_error,omitempty"`
	WaitingFor   Action               `json:"waiting_for,omitempty"`
	WaitingSince time.Time            `json:"waiting_since,omitempty"`
	Connections  []GUID               `json:"connections,omitempty"`
}

// Status returns a snapshot of the resource.
func (r *Resource) Status() ResourceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := ResourceStatus{
		GUID:         r.guid,
		Type:         r.info.Type,
		State:        r.State(),
		Times:        make(map[string]time.Time),
		WaitingFor:   r.waitingFor,
		WaitingSince: r.waitingSince,
		Connections:  sortedGUIDs(r.connections),
	}
	if a, ok := r.attrs["label"]; ok {
		st.Label = a.value
	}
	for s, t := range r.times {
		if !t.IsZero() {
			st.Times[ResourceState(s).String()] = t
		}
	}
	if r.failure != nil {
		st.FailureCode = r.failure.Code
		st.FailureCause = r.failure.Error()
	}
	if r.releaseErr != nil {
		st.ReleaseError = r.releaseErr.Error()
	}
	return st
}

func sortedGUIDs(set map[GUID]struct{}) []GUID {
	out := make([]GUID, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
