// Package engine runs network experiments: it owns the resources of an
// experiment, drives each through its lifecycle and dispatches time-based
// callbacks.
//
// # Resources
//
// A Resource is one element of an experiment, such as a node or an
// application. Its type is registered in a Registry together with a Driver
// constructor, the attributes it accepts and the traces it can collect.
// Resources move through
//
//	NEW → DISCOVERED → PROVISIONED → READY → STARTED → STOPPED → RELEASED
//
// and may enter FAILED from any state but RELEASED. Each transition time is
// recorded once. Driver errors move the resource to FAILED and keep the
// cause; they are reported through Status, never returned by Deploy.
//
// # Conditions
//
// RegisterCondition defers the START or STOP of a resource until a group of
// other resources has reached a state, optionally plus a delay counted from
// the last member to get there:
//
//	ec.RegisterCondition(engine.Group(app2), engine.ActionStart,
//	    engine.Group(app1), engine.StateStarted, 3*time.Second)
//
// A waiting resource whose dependency fails moves to FAILED with
// DEPENDENCY_FAILED. Cycles are not detected; Status reports what a resource
// is waiting for and since when.
//
// # Controller
//
// ExperimentController deploys resources concurrently, one goroutine each,
// and runs a single dispatch loop that hands due tasks from a
// scheduler.HeapScheduler to a parallel.Pool. Callback errors and panics are
// recorded on the task. Shutdown releases everything and is idempotent.
//
// ExperimentRunner repeats an experiment until a run cap is reached or a
// metric converges.
package engine
