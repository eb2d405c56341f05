package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeDriver records lifecycle calls and fails, delays or panics on demand.
type fakeDriver struct {
	mu        sync.Mutex
	calls     []string
	errs      map[string]error
	delays    map[string]time.Duration
	panics    map[string]bool
	conflicts []string
	finished  bool
	reject    bool
	traces    map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		panics: make(map[string]bool),
		traces: map[string]string{"stdout": "hello world\n"},
	}
}

func (d *fakeDriver) failOn(step string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[step] = err
}

func (d *fakeDriver) delayOn(step string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[step] = delay
}

func (d *fakeDriver) panicOn(step string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panics[step] = true
}

func (d *fakeDriver) setFinished() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = true
}

func (d *fakeDriver) count(step string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == step {
			n++
		}
	}
	return n
}

func (d *fakeDriver) step(ctx context.Context, name string) error {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	delay := d.delays[name]
	err := d.errs[name]
	shouldPanic := d.panics[name]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if shouldPanic {
		panic("fake " + name + " exploded")
	}
	return err
}

func (d *fakeDriver) Discover(ctx context.Context, _ *Resource) error { return d.step(ctx, "discover") }

func (d *fakeDriver) Provision(ctx context.Context, _ *Resource) error {
	if err := d.step(ctx, "provision"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conflicts) == 0 {
		return nil
	}
	candidate := d.conflicts[0]
	d.conflicts = d.conflicts[1:]
	return NewConflictError("host already reserved", nil).WithDetail(DetailCandidate, candidate)
}

func (d *fakeDriver) Deploy(ctx context.Context, _ *Resource) error  { return d.step(ctx, "deploy") }
func (d *fakeDriver) Start(ctx context.Context, _ *Resource) error   { return d.step(ctx, "start") }
func (d *fakeDriver) Stop(ctx context.Context, _ *Resource) error    { return d.step(ctx, "stop") }
func (d *fakeDriver) Release(ctx context.Context, _ *Resource) error { return d.step(ctx, "release") }

func (d *fakeDriver) Poll(context.Context, *Resource) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished, nil
}

func (d *fakeDriver) ValidConnection(_ *Resource, _ *Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return errors.New("peer not accepted")
	}
	return nil
}

func (d *fakeDriver) Trace(_ context.Context, _ *Resource, name string, attr TraceAttr, block, offset int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content := d.traces[name]
	switch attr {
	case TraceSize:
		return strconv.Itoa(len(content)), nil
	case TracePath:
		return "/traces/" + name, nil
	case TraceStream:
		end := offset + block
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		return content[offset:end], nil
	default:
		return content, nil
	}
}

var fakeType = TypeInfo{
	Type: "fake::Node",
	Help: "Test resource",
	Attributes: []AttributeSpec{
		{Name: "hostname", Type: AttrString},
		{Name: "ip", Type: AttrString, Flags: FlagReadOnly},
		{Name: "port", Type: AttrInteger, Default: "22"},
		{Name: "username", Type: AttrString, Flags: FlagCredential},
	},
	Traces: []TraceSpec{{Name: "stdout", Help: "Standard output"}},
	New:    func() Driver { return newFakeDriver() },
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(fakeType); err != nil {
		t.Fatalf("failed to register fake type: %v", err)
	}
	return reg
}

func newTestController(t *testing.T, configure ...func(*Options)) *ExperimentController {
	t.Helper()
	opts := Options{
		Registry:     newTestRegistry(t),
		RootDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	ec, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return ec
}

// addResources registers n fake resources and returns their guids and drivers.
func addResources(t *testing.T, ec *ExperimentController, n int) ([]GUID, []*fakeDriver) {
	t.Helper()
	guids := make([]GUID, 0, n)
	drivers := make([]*fakeDriver, 0, n)
	for i := 0; i < n; i++ {
		guid, err := ec.RegisterResource(fakeType.Type)
		if err != nil {
			t.Fatalf("failed to register resource: %v", err)
		}
		guids = append(guids, guid)
		drivers = append(drivers, driverOf(t, ec, guid))
	}
	return guids, drivers
}

func driverOf(t *testing.T, ec *ExperimentController, guid GUID) *fakeDriver {
	t.Helper()
	r, err := ec.GetResource(guid)
	if err != nil {
		t.Fatalf("failed to get resource %d: %v", guid, err)
	}
	d, ok := r.driver.(*fakeDriver)
	if !ok {
		t.Fatalf("resource %d has driver %T", guid, r.driver)
	}
	return d
}

func mustResource(t *testing.T, ec *ExperimentController, guid GUID) *Resource {
	t.Helper()
	r, err := ec.GetResource(guid)
	if err != nil {
		t.Fatalf("failed to get resource %d: %v", guid, err)
	}
	return r
}

// eventually polls cond until it holds or timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
