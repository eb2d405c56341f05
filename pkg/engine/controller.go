package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/netexp/netexp/pkg/parallel"
	"github.com/netexp/netexp/pkg/scheduler"
	"github.com/netexp/netexp/pkg/stores"
	"github.com/netexp/netexp/pkg/telemetry"
)

const (
	// DefaultMaxThreads bounds concurrently running scheduled callbacks.
	DefaultMaxThreads = 50

	// DefaultSyncEvery is how many dispatched tasks pass between pool barriers.
	DefaultSyncEvery = 1000

	// DefaultPollInterval is how often waits poll drivers that finish on their own.
	DefaultPollInterval = 500 * time.Millisecond

	storeTimeout = 5 * time.Second
)

// ResultStore receives the experiment's history. *stores.SQLiteStore
// implements it.
type ResultStore interface {
	CreateExperiment(ctx context.Context, exp *stores.Experiment) error
	UpdateExperimentStatus(ctx context.Context, id string, status stores.ExperimentStatus, errMsg *string) error
	UpsertResourceSnapshot(ctx context.Context, snap *stores.ResourceSnapshot) error
	RecordTask(ctx context.Context, task *stores.TaskRecord) error
	AppendEvent(ctx context.Context, event *stores.Event) error
}

// Options configures an ExperimentController.
type Options struct {
	// ExpID names the experiment. Defaults to "netexp-" plus a random UUID.
	ExpID string

	// RootDir holds per-resource run directories. Defaults to $TMPDIR/netexp.
	RootDir string

	// MaxThreads bounds concurrently running scheduled callbacks.
	MaxThreads int

	// SyncEvery is the number of dispatched tasks between pool barriers.
	SyncEvery int

	// Registry resolves resource types. Required to register resources.
	Registry *Registry

	// Telemetry defaults to a no-op instance.
	Telemetry *telemetry.Telemetry

	// Store, when set, records the experiment, resource snapshots, tracked
	// tasks and events.
	Store ResultStore

	// PollInterval is how often Wait* helpers poll drivers implementing Poller.
	PollInterval time.Duration
}

type trackedTask struct {
	task *scheduler.Task
	at   time.Time
}

// ExperimentController owns the resources of one experiment. It runs
// deploy and release across them and dispatches scheduled callbacks from a
// single loop into a bounded pool.
type ExperimentController struct {
	expID        string
	rootDir      string
	registry     *Registry
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
	store        ResultStore
	syncEvery    int
	pollInterval time.Duration

	mu        sync.RWMutex
	resources map[GUID]*Resource
	lastGUID  GUID

	// schedMu guards the scheduler, tracked and deferred tasks and stopping.
	schedMu  sync.Mutex
	sched    *scheduler.HeapScheduler
	tasks    map[int64]trackedTask
	deferred map[int64]*scheduler.Task
	stopping bool
	wake     chan struct{}

	// stateGen counts state changes. It is bumped under schedMu.
	stateGen *atomic.Uint64

	pool     *parallel.Pool
	states   notifier
	sessions *KeyedStore[io.Closer]
	state    *atomic.String

	ctx          context.Context
	cancel       context.CancelFunc
	loopDone     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a controller and starts its dispatch loop.
func New(opts Options) (*ExperimentController, error) {
	if opts.ExpID == "" {
		opts.ExpID = "netexp-" + uuid.NewString()
	}
	if opts.RootDir == "" {
		opts.RootDir = filepath.Join(os.TempDir(), "netexp")
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = DefaultSyncEvery
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNopTelemetry()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	logger := opts.Telemetry.Logger.NewComponentLogger("controller").WithExperiment(opts.ExpID)
	ctx, cancel := context.WithCancel(opts.Telemetry.WithContext(context.Background()))

	ec := &ExperimentController{
		expID:        opts.ExpID,
		rootDir:      opts.RootDir,
		registry:     opts.Registry,
		tel:          opts.Telemetry,
		logger:       logger,
		store:        opts.Store,
		syncEvery:    opts.SyncEvery,
		pollInterval: opts.PollInterval,
		resources:    make(map[GUID]*Resource),
		sched:        scheduler.NewHeapScheduler(),
		tasks:        make(map[int64]trackedTask),
		deferred:     make(map[int64]*scheduler.Task),
		stateGen:     atomic.NewUint64(0),
		wake:         make(chan struct{}, 1),
		pool:         parallel.New(parallel.Options{MaxWorkers: opts.MaxThreads, Logger: logger}),
		sessions:     NewKeyedStore[io.Closer](),
		state:        atomic.NewString(string(ECRunning)),
		ctx:          ctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
	}

	if ec.store != nil {
		exp := &stores.Experiment{ID: ec.expID, RootDir: ec.rootDir, Status: stores.ExperimentStatusRunning}
		if err := ec.persist(func(ctx context.Context) error { return ec.store.CreateExperiment(ctx, exp) }); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to record experiment: %w", err)
		}
		ec.tel.Events.Subscribe(ec.storeEvent, telemetry.FilterByExperiment(ec.expID))
	}

	go ec.process()

	logger.Infof("Experiment controller started (max threads %d)", opts.MaxThreads)
	return ec, nil
}

// ExpID returns the experiment identifier.
func (ec *ExperimentController) ExpID() string { return ec.expID }

// RootDir returns the directory holding run directories.
func (ec *ExperimentController) RootDir() string { return ec.rootDir }

// Registry returns the resource type registry.
func (ec *ExperimentController) Registry() *Registry { return ec.registry }

// Sessions returns the controller's credential-keyed session store. Drivers
// use it to share connections between resources; it is closed by Shutdown.
func (ec *ExperimentController) Sessions() *KeyedStore[io.Closer] { return ec.sessions }

// State returns the controller state.
func (ec *ExperimentController) State() ECState {
	return ECState(ec.state.Load())
}

// Registration

// RegisterResource creates a resource of the given type and returns its guid.
func (ec *ExperimentController) RegisterResource(rtype string) (GUID, error) {
	info, err := ec.lookupType(rtype)
	if err != nil {
		return 0, err
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	guid := ec.lastGUID + 1
	ec.registerLocked(guid, info)
	return guid, nil
}

// RegisterResourceWithGUID creates a resource under a caller-chosen guid, as
// when replaying a stored experiment. Later automatic guids continue after
// the highest one in use.
func (ec *ExperimentController) RegisterResourceWithGUID(rtype string, guid GUID) error {
	if guid <= 0 {
		return NewConfigError("guid must be positive, got %d", guid)
	}
	info, err := ec.lookupType(rtype)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, exists := ec.resources[guid]; exists {
		return Errorf(ErrCodeAlreadyExists, "guid %d already registered", guid).WithResource(guid)
	}
	ec.registerLocked(guid, info)
	return nil
}

func (ec *ExperimentController) lookupType(rtype string) (TypeInfo, error) {
	if err := ec.checkRunning(); err != nil {
		return TypeInfo{}, err
	}
	info, ok := ec.registry.Lookup(rtype)
	if !ok {
		return TypeInfo{}, NewNotFoundError("unknown resource type %q", rtype)
	}
	return info, nil
}

// registerLocked inserts a resource. ec.mu must be held for writing.
func (ec *ExperimentController) registerLocked(guid GUID, info TypeInfo) {
	r := newResource(ec, guid, info, info.New())
	ec.resources[guid] = r
	if guid > ec.lastGUID {
		ec.lastGUID = guid
	}
	r.logger.Debug("Resource registered")
}

// RegisterConnection connects two resources. Connections are symmetric.
func (ec *ExperimentController) RegisterConnection(a, b GUID) error {
	if a == b {
		return NewConfigError("cannot connect resource %d to itself", a)
	}
	ra, err := ec.GetResource(a)
	if err != nil {
		return err
	}
	rb, err := ec.GetResource(b)
	if err != nil {
		return err
	}
	for _, pair := range [][2]*Resource{{ra, rb}, {rb, ra}} {
		if v, ok := pair[0].driver.(ConnectionValidator); ok {
			if err := v.ValidConnection(pair[0], pair[1]); err != nil {
				return NewConfigError("%s %d cannot connect to %s %d: %v",
					pair[0].Type(), pair[0].guid, pair[1].Type(), pair[1].guid, err)
			}
		}
	}
	ra.connect(b)
	rb.connect(a)
	return nil
}

// RegisterCondition gates action on every target until every member of group
// has reached state, delay after the last of them did.
func (ec *ExperimentController) RegisterCondition(targets []GUID, action Action, group []GUID, state ResourceState, delay time.Duration) error {
	if err := action.Validate(); err != nil {
		return NewConfigError("%v", err)
	}
	if err := state.Validate(); err != nil {
		return NewConfigError("%v", err)
	}
	if state == StateFailed {
		return NewConfigError("a condition cannot wait for %s", StateFailed)
	}
	if delay < 0 {
		return NewConfigError("condition delay must not be negative, got %s", delay)
	}
	if len(targets) == 0 || len(group) == 0 {
		return NewConfigError("condition needs at least one target and one group member")
	}

	members, err := ec.lookupAll(group)
	if err != nil {
		return err
	}
	gated, err := ec.lookupAll(targets)
	if err != nil {
		return err
	}

	cond := Condition{Group: guidsOf(members), State: state, Delay: delay}
	for _, r := range gated {
		r.addCondition(action, cond)
	}
	return nil
}

// RegisterTrace enables collection of a trace declared by the resource's type.
func (ec *ExperimentController) RegisterTrace(guid GUID, name string) error {
	r, err := ec.GetResource(guid)
	if err != nil {
		return err
	}
	return r.enableTrace(name)
}

// Trace reads a registered trace from a resource.
func (ec *ExperimentController) Trace(ctx context.Context, guid GUID, name string, attr TraceAttr, block, offset int64) (string, error) {
	if err := attr.Validate(); err != nil {
		return "", NewConfigError("%v", err)
	}
	r, err := ec.GetResource(guid)
	if err != nil {
		return "", err
	}
	if !r.TraceEnabled(name) {
		return "", NewNotFoundError("trace %s is not registered on resource %d", name, guid).WithResource(guid)
	}
	reader, ok := r.driver.(TraceReader)
	if !ok {
		return "", NewNotFoundError("%s does not collect traces", r.Type()).WithResource(guid)
	}
	return reader.Trace(ctx, r, name, attr, block, offset)
}

// Attributes

// Get returns an attribute value.
func (ec *ExperimentController) Get(guid GUID, name string) (string, error) {
	r, err := ec.GetResource(guid)
	if err != nil {
		return "", err
	}
	v, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return v.Value, nil
}

// Set changes an attribute, honoring its read-only flags.
func (ec *ExperimentController) Set(guid GUID, name, value string) error {
	r, err := ec.GetResource(guid)
	if err != nil {
		return err
	}
	return r.set(name, value, true)
}

// SetWithConditions schedules a tracked task that sets an attribute once the
// resource is STARTED and group has reached state, delay after its last
// member did.
func (ec *ExperimentController) SetWithConditions(guid GUID, name, value string, group []GUID, state ResourceState, delay time.Duration) (int64, error) {
	r, err := ec.GetResource(guid)
	if err != nil {
		return 0, err
	}
	spec, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	if spec.Flags.Has(FlagReadOnly) || spec.Flags.Has(FlagExecReadOnly) {
		return 0, NewConfigError("attribute %s cannot be set while the resource runs", name).WithResource(guid)
	}
	if err := spec.AttributeSpec.Validate(value); err != nil {
		return 0, NewConfigError("%v", err).WithResource(guid)
	}
	if state.Validate() != nil || state == StateFailed {
		return 0, NewConfigError("cannot wait for state %s", state)
	}
	if delay < 0 {
		return 0, NewConfigError("condition delay must not be negative, got %s", delay)
	}
	members, err := ec.lookupAll(group)
	if err != nil {
		return 0, err
	}
	guids := guidsOf(members)

	return ec.ScheduleAt(time.Now(), func(context.Context) error {
		return r.setWithConditions(name, value, guids, state, delay)
	}, true)
}

// Orchestration

// Deploy brings every resource of group (all resources when empty) to READY
// and starts it once its START conditions hold. Each resource runs on its
// own goroutine. Resources with STOP conditions also get a scheduled stop.
//
// With waitAllDeployed, every resource first waits for all others in the
// group to be READY. Deploy returns when every resource has started, failed,
// or stopped waiting because ctx ended. Resource failures are reported by
// Status, not by the returned error.
func (ec *ExperimentController) Deploy(ctx context.Context, group []GUID, waitAllDeployed bool) error {
	if err := ec.checkRunning(); err != nil {
		return err
	}
	members, err := ec.resolveGroup(group)
	if err != nil {
		return err
	}

	ctx, span := ec.tel.Tracer.StartExperimentSpan(ctx, ec.expID, "deploy", len(members))
	defer span.End()
	timer := telemetry.NewTimer()

	if waitAllDeployed && len(members) > 1 {
		all := guidsOf(members)
		for _, r := range members {
			others := make([]GUID, 0, len(all)-1)
			for _, g := range all {
				if g != r.guid {
					others = append(others, g)
				}
			}
			r.addCondition(ActionStart, Condition{Group: others, State: StateReady})
		}
	}

	// No order between unconditioned resources is guaranteed.
	rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })

	ec.logger.Infof("Deploying %d resources", len(members))

	var wg sync.WaitGroup
	for _, r := range members {
		wg.Add(1)
		go func(r *Resource) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("Deploy worker panicked: %v\n%s", rec, debug.Stack())
					_ = r.Fail(ErrCodeInternal, fmt.Errorf("deploy worker panicked: %v", rec))
				}
			}()
			ec.deployOne(ctx, r)
		}(r)
	}
	wg.Wait()

	for _, r := range members {
		ec.storeSnapshot(r)
	}
	if err := ec.tel.Events.PublishExperiment(ec.expID, telemetry.EventTypeExperimentDeployed, len(members), timer.Duration()); err != nil {
		ec.logger.WithError(err).Warn("Failed to publish deploy event")
	}
	telemetry.RecordSuccess(span)
	ec.logger.Infof("Deploy finished in %s", timer.Duration())
	return nil
}

func (ec *ExperimentController) deployOne(ctx context.Context, r *Resource) {
	if err := r.Deploy(ctx); err != nil {
		return
	}
	if r.HasConditions(ActionStop) {
		if _, err := ec.ScheduleAt(time.Now(), r.stopWithConditions, false); err != nil {
			r.logger.WithError(err).Warn("Failed to schedule stop")
		}
	}
	if err := r.StartWithConditions(ctx); err != nil && ctx.Err() != nil {
		r.logger.WithError(err).Warn("Start abandoned")
	}
}

// Release releases every resource of group (all when empty) concurrently
// and waits for all of them. Driver errors are kept on each resource and
// reported by Status.
func (ec *ExperimentController) Release(ctx context.Context, group []GUID) error {
	members, err := ec.resolveGroup(group)
	if err != nil {
		return err
	}

	ctx, span := ec.tel.Tracer.StartExperimentSpan(ctx, ec.expID, "release", len(members))
	defer span.End()
	timer := telemetry.NewTimer()

	var wg sync.WaitGroup
	for _, r := range members {
		wg.Add(1)
		go func(r *Resource) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("Release worker panicked: %v\n%s", rec, debug.Stack())
				}
			}()
			_ = r.Release(ctx)
		}(r)
	}
	wg.Wait()

	for _, r := range members {
		ec.storeSnapshot(r)
	}
	if err := ec.tel.Events.PublishExperiment(ec.expID, telemetry.EventTypeExperimentReleased, len(members), timer.Duration()); err != nil {
		ec.logger.WithError(err).Warn("Failed to publish release event")
	}
	telemetry.RecordSuccess(span)
	return nil
}

// Scheduling

// Schedule runs cb at date, either an absolute YYYYMMDDhhmmssffffff stamp or
// a delay such as "10s" or "1.5m" from now. Tracked tasks can be queried
// with GetTask.
func (ec *ExperimentController) Schedule(date string, cb scheduler.Callback, track bool) (int64, error) {
	at, err := scheduler.ParseDate(date, time.Now())
	if err != nil {
		return 0, NewError(ErrCodeInvalidDate, "cannot schedule task", err)
	}
	return ec.ScheduleAt(at, cb, track)
}

// ScheduleAt runs cb at an absolute time.
func (ec *ExperimentController) ScheduleAt(at time.Time, cb scheduler.Callback, track bool) (int64, error) {
	if cb == nil {
		return 0, NewConfigError("callback is required")
	}

	ec.schedMu.Lock()
	if ec.stopping {
		ec.schedMu.Unlock()
		return 0, NewError(ErrCodeShutdown, "controller is shutting down", nil)
	}
	task := ec.sched.Schedule(scheduler.NewTask(cb), at)
	if track {
		ec.tasks[task.ID] = trackedTask{task: task, at: at}
	}
	ec.schedMu.Unlock()

	ec.tel.Metrics.RecordTaskScheduled()
	ec.signal()
	return task.ID, nil
}

// GetTask returns a tracked task.
func (ec *ExperimentController) GetTask(id int64) (scheduler.TaskSnapshot, error) {
	ec.schedMu.Lock()
	tt, ok := ec.tasks[id]
	ec.schedMu.Unlock()
	if !ok {
		return scheduler.TaskSnapshot{}, NewNotFoundError("no tracked task %d", id)
	}
	return tt.task.Snapshot(tt.at), nil
}

// Tasks returns every tracked task ordered by id.
func (ec *ExperimentController) Tasks() []scheduler.TaskSnapshot {
	ec.schedMu.Lock()
	tracked := make([]trackedTask, 0, len(ec.tasks))
	for _, tt := range ec.tasks {
		tracked = append(tracked, tt)
	}
	ec.schedMu.Unlock()

	out := make([]scheduler.TaskSnapshot, 0, len(tracked))
	for _, tt := range tracked {
		out = append(out, tt.task.Snapshot(tt.at))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ec *ExperimentController) signal() {
	select {
	case ec.wake <- struct{}{}:
	default:
	}
}

// process is the dispatch loop. It hands due tasks to the pool in timestamp
// order and exits once stopping is set and no due task remains.
func (ec *ExperimentController) process() {
	defer close(ec.loopDone)
	defer func() {
		if err := ec.pool.Join(); err != nil {
			ec.logger.WithError(err).Warn("Pool reported errors on join")
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			ec.logger.Errorf("Dispatch loop panicked: %v\n%s", rec, debug.Stack())
			ec.state.Store(string(ECFailed))
		}
	}()

	ec.pool.Start()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	dispatched := 0
	for {
		ec.schedMu.Lock()
		at, ok := ec.sched.Peek()
		stopping := ec.stopping

		if !ok || time.Until(at) > 0 {
			ec.schedMu.Unlock()
			if stopping {
				return
			}
			var fire <-chan time.Time
			if ok {
				timer.Reset(time.Until(at))
				fire = timer.C
			}
			select {
			case <-ec.wake:
			case <-fire:
			case <-ec.ctx.Done():
				return
			}
			timer.Stop()
			continue
		}

		task, at := ec.sched.Next()
		if task != nil {
			delete(ec.deferred, task.ID)
		}
		ec.schedMu.Unlock()
		if task == nil {
			continue
		}

		lag := time.Since(at)
		if err := ec.pool.Put(func() error {
			ec.execute(task, at, lag)
			return nil
		}); err != nil {
			task.Complete(err)
			ec.logger.WithTaskID(task.ID).WithError(err).Error("Failed to dispatch task")
			continue
		}

		dispatched++
		if dispatched%ec.syncEvery == 0 {
			if err := ec.pool.Sync(); err != nil {
				ec.logger.WithError(err).Warn("Pool sync reported an error")
			}
		}
		ec.tel.Metrics.SetPendingJobs(ec.pool.Pending())
	}
}

// execute runs one task. Callback errors and panics are recorded on the task
// and never reach the pool. A deferred task goes back to the scheduler
// still pending.
func (ec *ExperimentController) execute(task *scheduler.Task, at time.Time, lag time.Duration) {
	ctx, span := ec.tel.Tracer.StartTaskSpan(ec.ctx, ec.expID, task.ID)
	err := runCallback(ctx, task.Callback)

	var d *deferral
	if errors.As(err, &d) {
		telemetry.EndSpan(span, nil)
		ec.tel.Metrics.RecordTaskExecuted("DEFERRED", lag)
		ec.deferTask(task, d)
		return
	}
	telemetry.EndSpan(span, err)
	task.Complete(err)
	ec.tel.Metrics.RecordTaskExecuted(string(task.Status()), lag)

	if err != nil {
		ec.logger.WithSpan(ctx).WithTaskID(task.ID).WithError(err).Error("Task failed")
		ec.tel.Metrics.RecordError(ErrCodeCallbackFailed)
		if perr := ec.tel.Events.PublishTaskFailed(ec.expID, task.ID, err.Error()); perr != nil {
			ec.logger.WithError(perr).Warn("Failed to publish task event")
		}
	}

	ec.schedMu.Lock()
	_, tracked := ec.tasks[task.ID]
	ec.schedMu.Unlock()
	if tracked {
		ec.storeTask(task.Snapshot(at))
	}
}

// deferTask queues task again at d.At, or keeps it aside until the next state
// change. A state change since the check ran requeues it at once. Deferred
// tasks are dropped once shutdown begins.
func (ec *ExperimentController) deferTask(task *scheduler.Task, d *deferral) {
	ec.schedMu.Lock()
	if ec.stopping {
		ec.schedMu.Unlock()
		return
	}
	ec.deferred[task.ID] = task
	switch {
	case d.Gen != ec.stateGen.Load():
		ec.requeueLocked(task, time.Now())
	case !d.At.IsZero():
		ec.requeueLocked(task, d.At)
	}
	ec.schedMu.Unlock()
	ec.signal()
}

// requeueLocked moves task to at, replacing any queued entry. schedMu must
// be held.
func (ec *ExperimentController) requeueLocked(task *scheduler.Task, at time.Time) {
	ec.sched.Schedule(task, at)
	if tt, ok := ec.tasks[task.ID]; ok {
		tt.at = at
		ec.tasks[task.ID] = tt
	}
}

// stateGeneration returns the number of state changes seen so far.
func (ec *ExperimentController) stateGeneration() uint64 {
	return ec.stateGen.Load()
}

func runCallback(ctx context.Context, cb scheduler.Callback) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("callback panicked: %v", rec)
		}
	}()
	return cb(ctx)
}

// Shutdown releases every resource, lets due tasks finish, stops the dispatch
// loop and closes shared sessions. Tasks scheduled for later are dropped.
// If ctx ends first, running callbacks see their context cancelled.
// Calling Shutdown again returns the first result.
func (ec *ExperimentController) Shutdown(ctx context.Context) error {
	ec.shutdownOnce.Do(func() {
		ec.shutdownErr = ec.shutdown(ctx)
	})
	return ec.shutdownErr
}

func (ec *ExperimentController) shutdown(ctx context.Context) error {
	timer := telemetry.NewTimer()
	ec.logger.Info("Shutting down")

	_ = ec.Release(ctx, nil)

	ec.schedMu.Lock()
	ec.stopping = true
	ec.schedMu.Unlock()
	ec.signal()

	var errs []error
	select {
	case <-ec.loopDone:
	case <-ctx.Done():
		ec.cancel()
		<-ec.loopDone
		errs = append(errs, NewError(ErrCodeShutdown, "shutdown interrupted", ctx.Err()))
	}
	ec.cancel()

	status := stores.ExperimentStatusTerminated
	var errMsg *string
	if !ec.state.CompareAndSwap(string(ECRunning), string(ECTerminated)) {
		status = stores.ExperimentStatusFailed
		msg := "dispatch loop failed"
		errMsg = &msg
	}

	for _, snap := range ec.Tasks() {
		ec.storeTask(snap)
	}
	if ec.store != nil {
		if err := ec.persist(func(ctx context.Context) error {
			return ec.store.UpdateExperimentStatus(ctx, ec.expID, status, errMsg)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ec.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}

	if err := ec.tel.Events.PublishExperiment(ec.expID, telemetry.EventTypeExperimentTerminated, len(ec.Resources()), timer.Duration()); err != nil {
		ec.logger.WithError(err).Warn("Failed to publish terminate event")
	}
	ec.logger.Infof("Shutdown finished in %s", timer.Duration())
	return errors.Join(errs...)
}

// Queries

// GetResource returns the resource registered under guid.
func (ec *ExperimentController) GetResource(guid GUID) (*Resource, error) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.resources[guid]
	if !ok {
		return nil, NewNotFoundError("no resource with guid %d", guid).WithResource(guid)
	}
	return r, nil
}

// Resources returns all resources ordered by guid.
func (ec *ExperimentController) Resources() []*Resource {
	ec.mu.RLock()
	out := make([]*Resource, 0, len(ec.resources))
	for _, r := range ec.resources {
		out = append(out, r)
	}
	ec.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].guid < out[j].guid })
	return out
}

// Status returns a snapshot of one resource.
func (ec *ExperimentController) Status(guid GUID) (ResourceStatus, error) {
	r, err := ec.GetResource(guid)
	if err != nil {
		return ResourceStatus{}, err
	}
	return r.Status(), nil
}

// Failed reports whether a critical resource has failed.
func (ec *ExperimentController) Failed() bool {
	for _, r := range ec.Resources() {
		if r.State() == StateFailed && r.critical() {
			return true
		}
	}
	return false
}

// WaitState blocks until every resource of group (all when empty) is at
// least state, or FAILED. STARTED resources whose driver implements Poller
// are polled while waiting for STOPPED or later.
func (ec *ExperimentController) WaitState(ctx context.Context, group []GUID, state ResourceState) error {
	if state.Validate() != nil || state == StateFailed {
		return NewConfigError("cannot wait for state %s", state)
	}
	members, err := ec.resolveGroup(group)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(ec.pollInterval)
	defer ticker.Stop()

	for {
		changed := ec.states.Wait()
		done := true
		for _, r := range members {
			cur := r.State()
			if cur == StateFailed || cur.AtLeast(state) {
				continue
			}
			done = false
			if cur == StateStarted && state.AtLeast(StateStopped) {
				ec.poll(ctx, r)
			}
		}
		if done {
			return nil
		}
		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitDeployed waits for group to be READY.
func (ec *ExperimentController) WaitDeployed(ctx context.Context, group []GUID) error {
	return ec.WaitState(ctx, group, StateReady)
}

// WaitStarted waits for group to be STARTED.
func (ec *ExperimentController) WaitStarted(ctx context.Context, group []GUID) error {
	return ec.WaitState(ctx, group, StateStarted)
}

// WaitFinished waits for group to be STOPPED.
func (ec *ExperimentController) WaitFinished(ctx context.Context, group []GUID) error {
	return ec.WaitState(ctx, group, StateStopped)
}

// WaitReleased waits for group to be RELEASED.
func (ec *ExperimentController) WaitReleased(ctx context.Context, group []GUID) error {
	return ec.WaitState(ctx, group, StateReleased)
}

func (ec *ExperimentController) poll(ctx context.Context, r *Resource) {
	p, ok := r.driver.(Poller)
	if !ok {
		return
	}
	finished, err := p.Poll(ctx, r)
	if err != nil {
		r.logger.WithError(err).Warn("Poll failed")
		return
	}
	if finished {
		r.finish()
	}
}

// Callbacks from resources

func (ec *ExperimentController) stateChanged(r *Resource, from, to ResourceState) {
	ec.schedMu.Lock()
	ec.stateGen.Inc()
	now := time.Now()
	for _, task := range ec.deferred {
		ec.requeueLocked(task, now)
	}
	woken := len(ec.deferred) > 0
	ec.schedMu.Unlock()
	if woken {
		ec.signal()
	}
	ec.states.Broadcast()
	r.logger.Infof("State changed: %s -> %s", from, to)
	ec.tel.Metrics.RecordTransition(r.Type(), from.String(), to.String())
	if err := ec.tel.Events.PublishStateChanged(ec.expID, int(r.guid), r.Type(), from.String(), to.String()); err != nil {
		r.logger.WithError(err).Warn("Failed to publish state change")
	}
}

func (ec *ExperimentController) resourceFailed(r *Resource, ee *EngineError) {
	ec.tel.Metrics.RecordResourceFailure(r.Type(), ee.Code)
	ec.tel.Metrics.RecordError(ee.Code)
	if err := ec.tel.Events.PublishResourceFailed(ec.expID, int(r.guid), r.Type(), ee.Code, ee.Error()); err != nil {
		r.logger.WithError(err).Warn("Failed to publish failure")
	}
}

// Helpers

func (ec *ExperimentController) checkRunning() error {
	if ec.State().IsTerminal() {
		return Errorf(ErrCodeShutdown, "controller is %s", ec.State())
	}
	ec.schedMu.Lock()
	defer ec.schedMu.Unlock()
	if ec.stopping {
		return NewError(ErrCodeShutdown, "controller is shutting down", nil)
	}
	return nil
}

// resolveGroup returns the resources of group, or all resources when group
// is empty.
func (ec *ExperimentController) resolveGroup(group []GUID) ([]*Resource, error) {
	if len(group) == 0 {
		return ec.Resources(), nil
	}
	return ec.lookupAll(group)
}

// lookupAll resolves guids, dropping duplicates and sorting by guid.
func (ec *ExperimentController) lookupAll(guids []GUID) ([]*Resource, error) {
	seen := make(map[GUID]struct{}, len(guids))
	out := make([]*Resource, 0, len(guids))
	for _, g := range guids {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		r, err := ec.GetResource(g)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].guid < out[j].guid })
	return out, nil
}

func guidsOf(rs []*Resource) []GUID {
	out := make([]GUID, len(rs))
	for i, r := range rs {
		out[i] = r.guid
	}
	return out
}

// Persistence

func (ec *ExperimentController) persist(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (ec *ExperimentController) storeSnapshot(r *Resource) {
	if ec.store == nil {
		return
	}
	st := r.Status()

	attrs := make(map[string]string)
	for _, v := range r.AttributeValues() {
		if v.Flags.Has(FlagCredential) {
			continue
		}
		attrs[v.Name] = v.Value
	}
	attrJSON, _ := json.Marshal(attrs)
	timesJSON, _ := json.Marshal(st.Times)

	snap := &stores.ResourceSnapshot{
		ExperimentID: ec.expID,
		GUID:         int(st.GUID),
		Type:         st.Type,
		Label:        st.Label,
		State:        st.State.String(),
		Times:        string(timesJSON),
		Attributes:   string(attrJSON),
		FailureCode:  optional(st.FailureCode),
		FailureCause: optional(st.FailureCause),
		ReleaseError: optional(st.ReleaseError),
	}
	if err := ec.persist(func(ctx context.Context) error { return ec.store.UpsertResourceSnapshot(ctx, snap) }); err != nil {
		r.logger.WithError(err).Warn("Failed to store resource snapshot")
	}
}

func (ec *ExperimentController) storeTask(snap scheduler.TaskSnapshot) {
	if ec.store == nil {
		return
	}
	rec := &stores.TaskRecord{
		ExperimentID: ec.expID,
		TaskID:       snap.ID,
		ScheduledFor: snap.Timestamp,
		Status:       string(snap.Status),
		Result:       optional(snap.Result),
	}
	if !snap.CompletedAt.IsZero() {
		done := snap.CompletedAt
		rec.CompletedAt = &done
	}
	if err := ec.persist(func(ctx context.Context) error { return ec.store.RecordTask(ctx, rec) }); err != nil {
		ec.logger.WithTaskID(snap.ID).WithError(err).Warn("Failed to store task")
	}
}

func (ec *ExperimentController) storeEvent(e telemetry.Event) {
	rec := &stores.Event{
		ExperimentID: e.ExperimentID,
		Type:         e.Type,
		Level:        stores.EventLevel(e.Level),
		Message:      e.Message,
		Timestamp:    e.Timestamp,
	}
	if e.GUID != 0 {
		guid := e.GUID
		rec.GUID = &guid
	}
	if e.TaskID != 0 {
		id := e.TaskID
		rec.TaskID = &id
	}
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			details := string(data)
			rec.Details = &details
		}
	}
	if err := ec.persist(func(ctx context.Context) error { return ec.store.AppendEvent(ctx, rec) }); err != nil {
		ec.logger.WithError(err).Warn("Failed to store event")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
