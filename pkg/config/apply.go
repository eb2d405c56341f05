package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/scheduler"
)

// Applied maps description names to the guids the controller assigned.
type Applied map[string]engine.GUID

// GUIDs resolves names in order.
func (a Applied) GUIDs(names []string) []engine.GUID {
	out := make([]engine.GUID, 0, len(names))
	for _, n := range names {
		if g, ok := a[n]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Apply registers desc on ec: resources with their attributes and traces,
// then connections, conditions and scheduled attribute changes. desc should
// have passed Validate. Apply stops at the first error; resources already
// registered stay registered.
func Apply(ec *engine.ExperimentController, desc *Description) (Applied, error) {
	applied := make(Applied, len(desc.Resources))

	for _, rd := range desc.Resources {
		guid := engine.GUID(rd.GUID)
		var err error
		if guid > 0 {
			err = ec.RegisterResourceWithGUID(rd.Type, guid)
		} else {
			guid, err = ec.RegisterResource(rd.Type)
		}
		if err != nil {
			return applied, fmt.Errorf("resource %s: %w", rd.Name, err)
		}
		applied[rd.Name] = guid

		if err := ec.Set(guid, "label", rd.Name); err != nil {
			return applied, fmt.Errorf("resource %s: %w", rd.Name, err)
		}
		for _, name := range sortedKeys(rd.Attributes) {
			if err := ec.Set(guid, name, AttributeString(rd.Attributes[name])); err != nil {
				return applied, fmt.Errorf("resource %s: %w", rd.Name, err)
			}
		}
		for _, trace := range rd.Traces {
			if err := ec.RegisterTrace(guid, trace); err != nil {
				return applied, fmt.Errorf("resource %s: %w", rd.Name, err)
			}
		}
	}

	for _, c := range desc.Connections {
		if err := ec.RegisterConnection(applied[c.From], applied[c.To]); err != nil {
			return applied, fmt.Errorf("connection %s -> %s: %w", c.From, c.To, err)
		}
	}

	for i, c := range desc.Conditions {
		action, err := engine.ParseAction(c.Action)
		if err != nil {
			return applied, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		state, err := engine.ParseResourceState(c.State)
		if err != nil {
			return applied, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		delay, err := scheduler.ParseDelay(c.Delay)
		if err != nil {
			return applied, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		if err := ec.RegisterCondition(applied.GUIDs(c.Targets), action, applied.GUIDs(c.After), state, delay); err != nil {
			return applied, fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}

	for i, s := range desc.Schedule {
		state, err := engine.ParseResourceState(s.State)
		if err != nil {
			return applied, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		delay, err := scheduler.ParseDelay(s.Delay)
		if err != nil {
			return applied, fmt.Errorf("schedule[%d]: %w", i, err)
		}
		if _, err := ec.SetWithConditions(applied[s.Resource], s.Attribute, AttributeString(s.Value),
			applied.GUIDs(s.After), state, delay); err != nil {
			return applied, fmt.Errorf("schedule[%d]: %w", i, err)
		}
	}

	return applied, nil
}

// WaitGroup returns the resources whose end marks the end of a run: the
// wait list, or every application when the list is empty. Without any
// application it is every resource.
func WaitGroup(desc *Description, applied Applied) []engine.GUID {
	if len(desc.Wait) > 0 {
		return applied.GUIDs(desc.Wait)
	}
	var names []string
	for _, rd := range desc.Resources {
		if strings.HasSuffix(rd.Type, "::Application") {
			names = append(names, rd.Name)
		}
	}
	if len(names) == 0 {
		for _, rd := range desc.Resources {
			names = append(names, rd.Name)
		}
	}
	return applied.GUIDs(names)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
