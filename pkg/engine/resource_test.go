package engine

import (
	"errors"
	"testing"
)

func TestResource_FullLifecycle(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])
	ctx := testContext(t)

	if r.State() != StateNew {
		t.Fatalf("expected NEW, got %s", r.State())
	}

	if err := r.Deploy(ctx); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if r.State() != StateReady {
		t.Fatalf("expected READY, got %s", r.State())
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := r.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if r.State() != StateReleased {
		t.Fatalf("expected RELEASED, got %s", r.State())
	}

	order := []ResourceState{StateNew, StateDiscovered, StateProvisioned, StateReady, StateStarted, StateStopped, StateReleased}
	for i := 1; i < len(order); i++ {
		prev, cur := r.Time(order[i-1]), r.Time(order[i])
		if cur.IsZero() {
			t.Errorf("expected %s time to be set", order[i])
		}
		if cur.Before(prev) {
			t.Errorf("%s time precedes %s time", order[i], order[i-1])
		}
	}
	if !r.Time(StateFailed).IsZero() {
		t.Error("expected no FAILED time")
	}

	for _, step := range []string{"discover", "provision", "deploy", "start", "stop", "release"} {
		if n := drivers[0].count(step); n != 1 {
			t.Errorf("expected %s to run once, ran %d times", step, n)
		}
	}
}

func TestResource_TransitionsAreIdempotent(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])
	ctx := testContext(t)

	for i := 0; i < 3; i++ {
		if err := r.Deploy(ctx); err != nil {
			t.Fatalf("deploy %d failed: %v", i, err)
		}
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Already past these states.
	if err := r.Discover(ctx); err != nil {
		t.Errorf("discover after start should be a no-op, got %v", err)
	}
	if err := r.Deploy(ctx); err != nil {
		t.Errorf("deploy after start should be a no-op, got %v", err)
	}
	if n := drivers[0].count("deploy"); n != 1 {
		t.Errorf("expected deploy to run once, ran %d times", n)
	}
	readyAt := r.Time(StateReady)
	if err := r.Start(ctx); err != nil {
		t.Errorf("second start should be a no-op, got %v", err)
	}
	if !r.Time(StateReady).Equal(readyAt) {
		t.Error("ready time changed")
	}
}

func TestResource_InvalidTransitionKeepsState(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])

	err := r.Start(testContext(t))
	if err == nil {
		t.Fatal("expected start from NEW to fail")
	}
	if ErrorCode(err) != ErrCodeTransition {
		t.Errorf("expected %s, got %s", ErrCodeTransition, ErrorCode(err))
	}
	if r.State() != StateNew {
		t.Errorf("expected state to stay NEW, got %s", r.State())
	}
	if drivers[0].count("start") != 0 {
		t.Error("driver start should not run")
	}
}

func TestResource_DeployFailure(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])
	cause := errors.New("no route to host")
	drivers[0].failOn("deploy", cause)

	err := r.Deploy(testContext(t))
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected error to wrap cause, got %v", err)
	}
	if r.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", r.State())
	}
	if r.Time(StateProvisioned).IsZero() {
		t.Error("expected provision time to be kept")
	}
	for _, s := range []ResourceState{StateReady, StateStarted, StateStopped, StateReleased} {
		if !r.Time(s).IsZero() {
			t.Errorf("expected no %s time on a failed resource", s)
		}
	}
	if r.Time(StateFailed).IsZero() {
		t.Error("expected FAILED time")
	}

	st := r.Status()
	if st.FailureCode != ErrCodeTransition {
		t.Errorf("expected failure code %s, got %s", ErrCodeTransition, st.FailureCode)
	}

	// Later actions report the original failure.
	if err := r.Start(testContext(t)); !errors.Is(err, cause) {
		t.Errorf("expected start to return the failure, got %v", err)
	}
}

func TestResource_FailKeepsFirstCause(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])

	first := errors.New("first")
	_ = r.Fail(ErrCodeInternal, first)
	_ = r.Fail(ErrCodeTimeout, errors.New("second"))

	if !errors.Is(r.Failure(), first) {
		t.Errorf("expected first cause to be kept, got %v", r.Failure())
	}
	if ErrorCode(r.Failure()) != ErrCodeInternal {
		t.Errorf("expected code %s, got %s", ErrCodeInternal, ErrorCode(r.Failure()))
	}
}

func TestResource_DriverPanicFails(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])
	drivers[0].panicOn("provision")

	if err := r.Deploy(testContext(t)); err == nil {
		t.Fatal("expected deploy to fail after a driver panic")
	}
	if r.State() != StateFailed {
		t.Errorf("expected FAILED, got %s", r.State())
	}
}

func TestResource_ProvisionConflictRediscovers(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])

	drivers[0].mu.Lock()
	drivers[0].conflicts = []string{"host-a", "host-b"}
	drivers[0].mu.Unlock()

	if err := r.Deploy(testContext(t)); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if r.State() != StateReady {
		t.Fatalf("expected READY, got %s", r.State())
	}
	if !r.IsBlacklisted("host-a") || !r.IsBlacklisted("host-b") {
		t.Error("expected both conflicting hosts to be blacklisted")
	}
	if n := drivers[0].count("discover"); n != 3 {
		t.Errorf("expected 3 discoveries, got %d", n)
	}
	if n := drivers[0].count("provision"); n != 3 {
		t.Errorf("expected 3 provision attempts, got %d", n)
	}
}

func TestResource_ProvisionConflictExhausted(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])

	drivers[0].mu.Lock()
	for i := 0; i < MaxProvisionAttempts+2; i++ {
		drivers[0].conflicts = append(drivers[0].conflicts, "host-"+string(rune('a'+i)))
	}
	drivers[0].mu.Unlock()

	err := r.Deploy(testContext(t))
	if err == nil {
		t.Fatal("expected deploy to fail")
	}
	if ErrorCode(err) != ErrCodeConflict {
		t.Errorf("expected %s, got %s", ErrCodeConflict, ErrorCode(err))
	}
	if n := drivers[0].count("provision"); n != MaxProvisionAttempts {
		t.Errorf("expected %d provision attempts, got %d", MaxProvisionAttempts, n)
	}
}

func TestResource_ReleaseFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Resource, d *fakeDriver)
	}{
		{"new", func(*Resource, *fakeDriver) {}},
		{"ready", func(r *Resource, _ *fakeDriver) { _ = r.Deploy(testContext(t)) }},
		{"failed", func(r *Resource, d *fakeDriver) {
			d.failOn("deploy", errors.New("boom"))
			_ = r.Deploy(testContext(t))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newTestController(t)
			guids, drivers := addResources(t, ec, 1)
			r := mustResource(t, ec, guids[0])
			tt.setup(r, drivers[0])

			if err := r.Release(testContext(t)); err != nil {
				t.Fatalf("release failed: %v", err)
			}
			if err := r.Release(testContext(t)); err != nil {
				t.Fatalf("second release failed: %v", err)
			}
			if r.State() != StateReleased {
				t.Errorf("expected RELEASED, got %s", r.State())
			}
			if n := drivers[0].count("release"); n != 1 {
				t.Errorf("expected one driver release, got %d", n)
			}
		})
	}
}

func TestResource_ReleaseErrorIsKept(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])
	drivers[0].failOn("release", errors.New("cleanup failed"))

	if err := r.Release(testContext(t)); err == nil {
		t.Fatal("expected release error")
	}
	if r.State() != StateReleased {
		t.Errorf("expected RELEASED despite the error, got %s", r.State())
	}
	if st := r.Status(); st.ReleaseError == "" {
		t.Error("expected release error in status")
	}
}

func TestResource_Attributes(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 1)
	guid := guids[0]
	r := mustResource(t, ec, guid)

	if v, _ := ec.Get(guid, "port"); v != "22" {
		t.Errorf("expected default port 22, got %q", v)
	}

	tests := []struct {
		name    string
		attr    string
		value   string
		wantErr string
	}{
		{"plain", "hostname", "node1.example.org", ""},
		{"integer", "port", "2222", ""},
		{"bad integer", "port", "twenty", ErrCodeValidation},
		{"read-only", "ip", "10.0.0.1", ErrCodeValidation},
		{"unknown", "nope", "x", ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ec.Set(guid, tt.attr, tt.value)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got, _ := ec.Get(guid, tt.attr); got != tt.value {
					t.Errorf("expected %q, got %q", tt.value, got)
				}
				return
			}
			if ErrorCode(err) != tt.wantErr {
				t.Errorf("expected %s, got %v", tt.wantErr, err)
			}
		})
	}

	// Drivers may set read-only attributes.
	if err := r.SetValue("ip", "10.0.0.1"); err != nil {
		t.Errorf("driver set of read-only attribute failed: %v", err)
	}

	creds := r.Credentials()
	if _, ok := creds["username"]; !ok || len(creds) != 1 {
		t.Errorf("expected only username credential, got %v", creds)
	}
}

func TestResource_ExecReadOnlyAfterReady(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 1)
	guid := guids[0]

	if err := ec.Set(guid, "critical", "false"); err != nil {
		t.Fatalf("set before deploy failed: %v", err)
	}
	if err := mustResource(t, ec, guid).Deploy(testContext(t)); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := ec.Set(guid, "critical", "true"); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("expected %s once READY, got %v", ErrCodeValidation, err)
	}
}

func TestResource_RunDir(t *testing.T) {
	ec := newTestController(t, func(o *Options) { o.ExpID = "exp-1" })
	guids, _ := addResources(t, ec, 2)

	got := mustResource(t, ec, guids[1]).RunDir()
	want := ec.RootDir() + "/exp-1/2"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
