package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Condition gates an action on a group of resources: every member must have
// reached State, and Delay must have elapsed since the last of them did.
type Condition struct {
	Group []GUID
	State ResourceState
	Delay time.Duration
}

func (c Condition) equal(o Condition) bool {
	if c.State != o.State || c.Delay != o.Delay || len(c.Group) != len(o.Group) {
		return false
	}
	for i := range c.Group {
		if c.Group[i] != o.Group[i] {
			return false
		}
	}
	return true
}

// actionSet labels waits started by SetWithConditions. It cannot be registered.
const actionSet Action = "SET"

// errAborted means a wait ended because the waiting resource itself left the
// states in which the gated action makes sense.
var errAborted = errors.New("condition wait aborted")

// notifier is a broadcast primitive that can be selected on together with a
// context. Wait returns a channel closed by the next Broadcast.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

func (r *Resource) addCondition(action Action, c Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.conditions[action] {
		if existing.equal(c) {
			return
		}
	}
	r.conditions[action] = append(r.conditions[action], c)
}

// Conditions returns a copy of the conditions registered for action.
func (r *Resource) Conditions(action Action) []Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Condition, len(r.conditions[action]))
	copy(out, r.conditions[action])
	return out
}

// HasConditions reports whether any condition gates action.
func (r *Resource) HasConditions(action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conditions[action]) > 0
}

// reached reports whether r has reached s. at is when it did: the s
// timestamp if set, otherwise the earliest later one. failed is true when r
// failed without ever reaching s.
func (r *Resource) reached(s ResourceState) (ok bool, at time.Time, failed bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.times[s].IsZero() {
		return true, r.times[s], false
	}
	if !r.times[StateFailed].IsZero() {
		return false, time.Time{}, true
	}
	if !r.State().AtLeast(s) {
		return false, time.Time{}, false
	}
	for later := s + 1; later < StateFailed; later++ {
		if t := r.times[later]; !t.IsZero() {
			return true, t, false
		}
	}
	return true, time.Now(), false
}

// evaluate checks all conditions. It returns the instant from which they
// hold (latest member time plus delay, maximized over conditions), or the
// guid of a member that failed before reaching its required state.
func (ec *ExperimentController) evaluate(conds []Condition) (satisfied bool, readyAt time.Time, failedDep GUID) {
	satisfied = true
	for _, c := range conds {
		var last time.Time
		for _, guid := range c.Group {
			member, err := ec.GetResource(guid)
			if err != nil {
				continue
			}
			ok, at, failed := member.reached(c.State)
			if failed {
				return false, time.Time{}, guid
			}
			if !ok {
				satisfied = false
				continue
			}
			if at.After(last) {
				last = at
			}
		}
		if satisfied {
			if due := last.Add(c.Delay); due.After(readyAt) {
				readyAt = due
			}
		}
	}
	return satisfied, readyAt, 0
}

// deferral is returned by a scheduled condition check that cannot run yet.
// The dispatcher queues the same task again at At, or on the next state
// change when At is zero. Gen is the state generation the check observed.
type deferral struct {
	At  time.Time
	Gen uint64
}

func (d *deferral) Error() string { return "deferred until conditions hold" }

// beginWait marks r as waiting for action, keeping the original start time
// across rechecks.
func (r *Resource) beginWait(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waitingFor != action {
		r.waitingFor = action
		r.waitingSince = time.Now()
	}
}

func (r *Resource) endWait(action Action) {
	r.mu.Lock()
	began := r.waitingSince
	owned := r.waitingFor == action
	if owned {
		r.waitingFor = ""
		r.waitingSince = time.Time{}
	}
	r.mu.Unlock()
	if owned {
		r.ec.tel.Metrics.ObserveConditionWait(string(action), time.Since(began))
	}
}

// checkConditions evaluates conds once. It returns the instant they hold
// from, ok=false while a member has not reached its state, or the
// DEPENDENCY_FAILED error after moving r to FAILED.
func (r *Resource) checkConditions(conds []Condition) (readyAt time.Time, ok bool, err error) {
	satisfied, readyAt, failedDep := r.ec.evaluate(conds)
	if failedDep != 0 {
		cause := fmt.Errorf("upstream dependency failed: resource %d", failedDep)
		return time.Time{}, false, r.fail(ErrCodeDependencyFailed, "", cause)
	}
	return readyAt, satisfied, nil
}

// awaitConditions blocks until every condition registered for action holds.
// While blocked, Status reports the action and the time the wait began.
// A member that fails first moves r to FAILED with DEPENDENCY_FAILED.
func (r *Resource) awaitConditions(ctx context.Context, action Action, conds []Condition, alive func(ResourceState) bool) error {
	if len(conds) == 0 {
		return nil
	}
	r.beginWait(action)
	defer r.endWait(action)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		changed := r.ec.states.Wait()

		if !alive(r.State()) {
			return errAborted
		}
		readyAt, satisfied, err := r.checkConditions(conds)
		if err != nil {
			return err
		}

		var wake <-chan time.Time
		if satisfied {
			remaining := time.Until(readyAt)
			if remaining <= 0 {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(remaining)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(remaining)
			}
			wake = timer.C
		}

		select {
		case <-changed:
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryConditions is the scheduled counterpart of awaitConditions: it never
// blocks. It returns nil once conds hold, errAborted when r left the states
// alive accepts, and a deferral otherwise.
func (r *Resource) tryConditions(action Action, conds []Condition, alive func(ResourceState) bool) error {
	gen := r.ec.stateGeneration()
	if !alive(r.State()) {
		r.endWait(action)
		return errAborted
	}
	if len(conds) == 0 {
		return nil
	}

	r.beginWait(action)
	readyAt, satisfied, err := r.checkConditions(conds)
	switch {
	case err != nil:
		r.endWait(action)
		return err
	case !satisfied:
		return &deferral{Gen: gen}
	case time.Until(readyAt) > 0:
		return &deferral{At: readyAt, Gen: gen}
	}
	r.endWait(action)
	return nil
}

// StartWithConditions starts the resource once its START conditions hold.
func (r *Resource) StartWithConditions(ctx context.Context) error {
	if r.State() != StateReady {
		return nil
	}
	err := r.awaitConditions(ctx, ActionStart, r.Conditions(ActionStart), func(s ResourceState) bool {
		return s == StateReady
	})
	if err != nil {
		return quietAbort(err)
	}
	return r.Start(ctx)
}

// stopWithConditions stops the resource once it is STARTED and its STOP
// conditions hold. It runs as a scheduled task and defers itself until then.
func (r *Resource) stopWithConditions(ctx context.Context) error {
	if gen := r.ec.stateGeneration(); r.State() < StateStarted {
		return &deferral{Gen: gen}
	}
	err := r.tryConditions(ActionStop, r.Conditions(ActionStop), func(s ResourceState) bool {
		return s == StateStarted
	})
	if err != nil {
		return quietAbort(err)
	}
	return r.Stop(ctx)
}

// setWithConditions sets an attribute once the resource is STARTED and the
// given group has reached state, delay after the last member did. Like
// stopWithConditions it defers itself instead of waiting.
func (r *Resource) setWithConditions(name, value string, group []GUID, state ResourceState, delay time.Duration) error {
	if gen := r.ec.stateGeneration(); r.State() < StateStarted {
		return &deferral{Gen: gen}
	}
	cond := []Condition{{Group: group, State: state, Delay: delay}}
	err := r.tryConditions(actionSet, cond, func(s ResourceState) bool {
		return s == StateStarted || s == StateStopped
	})
	if err != nil {
		return quietAbort(err)
	}
	return r.SetValue(name, value)
}

func quietAbort(err error) error {
	if errors.Is(err, errAborted) {
		return nil
	}
	return err
}
