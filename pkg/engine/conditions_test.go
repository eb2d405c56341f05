package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCondition_StartWaitsForGroup(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 2)
	a, b := guids[0], guids[1]
	drivers[1].delayOn("deploy", 80*time.Millisecond)

	if err := ec.RegisterCondition(Group(a), ActionStart, Group(b), StateReady, 0); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}
	if err := ec.Deploy(testContext(t), nil, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	ra, rb := mustResource(t, ec, a), mustResource(t, ec, b)
	if ra.State() != StateStarted || rb.State() != StateStarted {
		t.Fatalf("expected both STARTED, got %s and %s", ra.State(), rb.State())
	}
	if ra.Time(StateStarted).Before(rb.Time(StateReady)) {
		t.Errorf("a started at %s before b was ready at %s", ra.Time(StateStarted), rb.Time(StateReady))
	}
}

func TestCondition_DelayCountsFromLastMember(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 3)
	a, b, c := guids[0], guids[1], guids[2]
	drivers[2].delayOn("deploy", 60*time.Millisecond)

	delay := 150 * time.Millisecond
	if err := ec.RegisterCondition(Group(a), ActionStart, Group(b, c), StateReady, delay); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}
	if err := ec.Deploy(testContext(t), nil, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	started := mustResource(t, ec, a).Time(StateStarted)
	lastReady := mustResource(t, ec, c).Time(StateReady)
	if r := mustResource(t, ec, b).Time(StateReady); r.After(lastReady) {
		lastReady = r
	}
	if gap := started.Sub(lastReady); gap < delay {
		t.Errorf("expected start at least %s after the last member was ready, got %s", delay, gap)
	}
}

// Node plus two applications: app2 starts 300ms after app1 has started.
func TestDeploy_DelayedStartAfterPeer(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 3)
	node, app1, app2 := guids[0], guids[1], guids[2]

	for _, app := range []GUID{app1, app2} {
		if err := ec.RegisterConnection(app, node); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
	}
	delay := 300 * time.Millisecond
	if err := ec.RegisterCondition(Group(app2), ActionStart, Group(app1), StateStarted, delay); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}
	if err := ec.Deploy(testContext(t), nil, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	gap := mustResource(t, ec, app2).Time(StateStarted).Sub(mustResource(t, ec, app1).Time(StateStarted))
	if gap < delay || gap > delay+200*time.Millisecond {
		t.Errorf("expected app2 to start about %s after app1, got %s", delay, gap)
	}
}

func TestDeploy_BarrierWithWaitAllDeployed(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 3)
	for i, d := range drivers {
		d.delayOn("deploy", time.Duration(i*40)*time.Millisecond)
	}

	if err := ec.Deploy(testContext(t), nil, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	for _, g := range guids {
		started := mustResource(t, ec, g).Time(StateStarted)
		if started.IsZero() {
			t.Fatalf("resource %d never started", g)
		}
		for _, other := range guids {
			if ready := mustResource(t, ec, other).Time(StateReady); started.Before(ready) {
				t.Errorf("resource %d started before resource %d was ready", g, other)
			}
		}
	}
}

func TestDeploy_ImplicitConditionsAreNotDuplicated(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 2)
	ctx := testContext(t)

	_ = ec.Deploy(ctx, nil, true)
	_ = ec.Deploy(ctx, nil, true)

	if n := len(mustResource(t, ec, guids[0]).Conditions(ActionStart)); n != 1 {
		t.Errorf("expected one implicit START condition, got %d", n)
	}
}

func TestCondition_DependencyFailure(t *testing.T) {
	ec := newTestController(t)
	guids, drivers := addResources(t, ec, 2)
	a, b := guids[0], guids[1]
	drivers[1].failOn("deploy", errors.New("image not found"))

	if err := ec.RegisterCondition(Group(a), ActionStart, Group(b), StateReady, 0); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ec.Deploy(testContext(t), nil, false) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("deploy returned an error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("deploy hung on a failed dependency")
	}

	ra := mustResource(t, ec, a)
	if ra.State() != StateFailed {
		t.Fatalf("expected dependent resource FAILED, got %s", ra.State())
	}
	if code := ErrorCode(ra.Failure()); code != ErrCodeDependencyFailed {
		t.Errorf("expected %s, got %s", ErrCodeDependencyFailed, code)
	}
	if drivers[0].count("start") != 0 {
		t.Error("dependent resource must not start")
	}
	if ra.Time(StateReady).IsZero() {
		t.Error("dependent resource should keep its READY time")
	}
}

func TestCondition_FailureAfterReachingStateStillCounts(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 2)
	a, b := guids[0], guids[1]
	ctx := testContext(t)

	rb := mustResource(t, ec, b)
	if err := rb.Deploy(ctx); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	_ = rb.Fail(ErrCodeInternal, errors.New("crashed later"))

	if err := ec.RegisterCondition(Group(a), ActionStart, Group(b), StateReady, 0); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}
	if err := ec.Deploy(ctx, Group(a), false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if s := mustResource(t, ec, a).State(); s != StateStarted {
		t.Errorf("expected STARTED since b had been READY, got %s", s)
	}
}

func TestCondition_CycleIsObservable(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 2)
	a, b := guids[0], guids[1]

	_ = ec.RegisterCondition(Group(a), ActionStart, Group(b), StateStarted, 0)
	_ = ec.RegisterCondition(Group(b), ActionStart, Group(a), StateStarted, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ec.Deploy(ctx, nil, false) }()

	eventually(t, 2*time.Second, func() bool {
		for _, g := range guids {
			st, _ := ec.Status(g)
			if st.WaitingFor != ActionStart || st.WaitingSince.IsZero() {
				return false
			}
		}
		return true
	}, "expected both resources to report waiting for START")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deploy did not return after cancellation")
	}

	for _, g := range guids {
		st, _ := ec.Status(g)
		if st.State != StateReady {
			t.Errorf("resource %d: expected READY after an abandoned wait, got %s", g, st.State)
		}
		if st.WaitingFor != "" {
			t.Errorf("resource %d: expected wait to be cleared, got %s", g, st.WaitingFor)
		}
	}
}

func TestCondition_StopWithConditions(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 2)
	a, b := guids[0], guids[1]

	if err := ec.RegisterCondition(Group(a), ActionStop, Group(b), StateStarted, 50*time.Millisecond); err != nil {
		t.Fatalf("failed to register condition: %v", err)
	}
	ctx := testContext(t)
	if err := ec.Deploy(ctx, nil, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := ec.WaitFinished(ctx, Group(a)); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	ra, rb := mustResource(t, ec, a), mustResource(t, ec, b)
	if ra.State() != StateStopped {
		t.Fatalf("expected a STOPPED, got %s", ra.State())
	}
	if gap := ra.Time(StateStopped).Sub(rb.Time(StateStarted)); gap < 50*time.Millisecond {
		t.Errorf("expected stop at least 50ms after b started, got %s", gap)
	}
	if rb.State() != StateStarted {
		t.Errorf("resource without STOP conditions should not be stopped, got %s", rb.State())
	}
}

func TestCondition_SetWithConditions(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 2)
	a, b := guids[0], guids[1]

	id, err := ec.SetWithConditions(a, "hostname", "late.example.org", Group(b), StateStarted, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to schedule set: %v", err)
	}
	if v, _ := ec.Get(a, "hostname"); v != "" {
		t.Fatalf("attribute set too early: %q", v)
	}

	if err := ec.Deploy(testContext(t), nil, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		task, err := ec.GetTask(id)
		return err == nil && task.Status.IsTerminal()
	}, "set task did not finish")

	task, _ := ec.GetTask(id)
	if task.Status != "DONE" {
		t.Fatalf("expected DONE, got %s (%s)", task.Status, task.Result)
	}
	if v, _ := ec.Get(a, "hostname"); v != "late.example.org" {
		t.Errorf("expected attribute to be set, got %q", v)
	}
}

// A stop waiting on its condition must not hold a worker: the task that
// satisfies the condition has to run on the same pool.
func TestCondition_DeferredStopFreesWorkers(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Options)
	}{
		{name: "single worker", configure: func(o *Options) { o.MaxThreads = 1 }},
		{name: "barrier after every task", configure: func(o *Options) { o.SyncEvery = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newTestController(t, tt.configure)
			guids, _ := addResources(t, ec, 2)
			a, b := guids[0], guids[1]

			if err := ec.RegisterCondition(Group(a), ActionStop, Group(b), StateStopped, 0); err != nil {
				t.Fatalf("failed to register condition: %v", err)
			}
			ctx := testContext(t)
			if err := ec.Deploy(ctx, nil, false); err != nil {
				t.Fatalf("deploy failed: %v", err)
			}

			rb := mustResource(t, ec, b)
			id, err := ec.Schedule("100ms", rb.Stop, true)
			if err != nil {
				t.Fatalf("failed to schedule: %v", err)
			}
			eventually(t, 2*time.Second, func() bool {
				task, err := ec.GetTask(id)
				return err == nil && task.Status.IsTerminal()
			}, "scheduled stop of b never ran")

			if err := ec.WaitFinished(ctx, Group(a)); err != nil {
				t.Fatalf("wait failed: %v", err)
			}
			ra := mustResource(t, ec, a)
			if ra.State() != StateStopped || rb.State() != StateStopped {
				t.Fatalf("expected both STOPPED, got %s and %s", ra.State(), rb.State())
			}
			if ra.Time(StateStopped).Before(rb.Time(StateStopped)) {
				t.Errorf("a stopped at %s before b at %s", ra.Time(StateStopped), rb.Time(StateStopped))
			}
		})
	}
}

func TestCondition_SetWithConditionsPendingWhileWaiting(t *testing.T) {
	ec := newTestController(t, func(o *Options) { o.MaxThreads = 1 })
	guids, _ := addResources(t, ec, 2)
	a, b := guids[0], guids[1]
	ctx := testContext(t)

	id, err := ec.SetWithConditions(a, "hostname", "late.example.org", Group(b), StateReady, 0)
	if err != nil {
		t.Fatalf("failed to schedule set: %v", err)
	}
	if err := ec.Deploy(ctx, Group(a), false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		st, _ := ec.Status(a)
		return st.WaitingFor == actionSet && !st.WaitingSince.IsZero()
	}, "expected a to report waiting for SET")

	if task, _ := ec.GetTask(id); task.Status != "PENDING" {
		t.Fatalf("expected the set task PENDING while waiting, got %s", task.Status)
	}

	ran := make(chan struct{})
	if _, err := ec.Schedule("0s", func(context.Context) error {
		close(ran)
		return nil
	}, false); err != nil {
		t.Fatalf("failed to schedule: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("a waiting set held the only worker")
	}

	if err := ec.Deploy(ctx, Group(b), false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		task, err := ec.GetTask(id)
		return err == nil && task.Status.IsTerminal()
	}, "set task did not finish")

	if task, _ := ec.GetTask(id); task.Status != "DONE" {
		t.Fatalf("expected DONE, got %s (%s)", task.Status, task.Result)
	}
	if v, _ := ec.Get(a, "hostname"); v != "late.example.org" {
		t.Errorf("expected attribute to be set, got %q", v)
	}
	if st, _ := ec.Status(a); st.WaitingFor != "" {
		t.Errorf("expected wait to be cleared, got %s", st.WaitingFor)
	}
}

func TestCondition_SetWithConditionsValidation(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 1)

	if _, err := ec.SetWithConditions(guids[0], "port", "abc", nil, StateStarted, 0); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("expected %s for a bad value, got %v", ErrCodeValidation, err)
	}
	if _, err := ec.SetWithConditions(guids[0], "port", "80", Group(99), StateStarted, 0); !IsNotFound(err) {
		t.Errorf("expected not found for unknown group member, got %v", err)
	}
	if _, err := ec.SetWithConditions(guids[0], "port", "80", nil, StateFailed, 0); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("expected %s for FAILED, got %v", ErrCodeValidation, err)
	}
}

func TestReached(t *testing.T) {
	ec := newTestController(t)
	guids, _ := addResources(t, ec, 1)
	r := mustResource(t, ec, guids[0])

	if ok, _, failed := r.reached(StateReady); ok || failed {
		t.Fatalf("NEW resource should not have reached READY")
	}
	if err := r.Deploy(testContext(t)); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	ok, at, _ := r.reached(StateProvisioned)
	if !ok || !at.Equal(r.Time(StateProvisioned)) {
		t.Errorf("expected PROVISIONED reached at its own time")
	}
	_ = r.Fail(ErrCodeInternal, errors.New("x"))
	if ok, _, failed := r.reached(StateStarted); ok || !failed {
		t.Errorf("expected failed without reaching STARTED, got ok=%v failed=%v", ok, failed)
	}
	if ok, _, _ := r.reached(StateReady); !ok {
		t.Error("a resource that failed after READY has still reached READY")
	}
}
