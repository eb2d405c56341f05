package engine

import (
	"fmt"
	"strings"
)

// ResourceState is the lifecycle state of a resource. The non-failed states
// are totally ordered; FAILED sits outside the order and never satisfies a
// condition.
type ResourceState int32

const (
	// StateNew indicates the resource is registered but not yet deployed.
	StateNew ResourceState = iota

	// StateDiscovered indicates a matching testbed resource was found.
	StateDiscovered

	// StateProvisioned indicates the resource is reserved and reachable.
	StateProvisioned

	// StateReady indicates deployment finished and the resource can start.
	StateReady

	// StateStarted indicates the resource is running.
	StateStarted

	// StateStopped indicates the resource was stopped or finished on its own.
	StateStopped

	// StateReleased indicates the resource was released. It is final.
	StateReleased

	// StateFailed indicates an action failed. Only release leaves it.
	StateFailed
)

var stateNames = [...]string{
	StateNew:         "NEW",
	StateDiscovered:  "DISCOVERED",
	StateProvisioned: "PROVISIONED",
	StateReady:       "READY",
	StateStarted:     "STARTED",
	StateStopped:     "STOPPED",
	StateReleased:    "RELEASED",
	StateFailed:      "FAILED",
}

// String returns the upper-case state name.
func (s ResourceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ResourceState(%d)", int32(s))
	}
	return stateNames[s]
}

// Validate checks if the state is one of the known states.
func (s ResourceState) Validate() error {
	if s < StateNew || s > StateFailed {
		return fmt.Errorf("invalid resource state: %d", int32(s))
	}
	return nil
}

// IsTerminal returns true for states no lifecycle action leaves, other than release.
func (s ResourceState) IsTerminal() bool {
	return s == StateReleased || s == StateFailed
}

// AtLeast reports whether s is at or past other in the lifecycle order.
// FAILED is never at least anything, and nothing is at least FAILED.
func (s ResourceState) AtLeast(other ResourceState) bool {
	if s == StateFailed || other == StateFailed {
		return false
	}
	return s >= other
}

// ParseResourceState parses a state name, case-insensitively.
func ParseResourceState(name string) (ResourceState, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == upper {
			return ResourceState(i), nil
		}
	}
	return StateNew, fmt.Errorf("unknown resource state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s ResourceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ResourceState) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Action names the lifecycle step a set of conditions gates.
type Action string

const (
	// ActionStart gates the start of a resource.
	ActionStart Action = "START"

	// ActionStop gates the stop of a resource.
	ActionStop Action = "STOP"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionStart, ActionStop:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ParseAction parses an action name, case-insensitively.
func ParseAction(name string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(name)))
	if err := a.Validate(); err != nil {
		return "", err
	}
	return a, nil
}

// ECState is the state of the experiment controller itself.
type ECState string

const (
	// ECRunning means the dispatch loop is processing tasks.
	ECRunning ECState = "RUNNING"

	// ECFailed means the dispatch loop terminated abnormally.
	ECFailed ECState = "FAILED"

	// ECTerminated means Shutdown completed.
	ECTerminated ECState = "TERMINATED"
)

// IsTerminal returns true once the controller no longer dispatches tasks.
func (s ECState) IsTerminal() bool {
	return s == ECFailed || s == ECTerminated
}

// GUID identifies a resource within one experiment. GUIDs start at 1.
type GUID int

// Group is shorthand for building a GUID slice.
func Group(guids ...GUID) []GUID {
	return guids
}
