package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Description is an experiment as written by its author: the resources to
// create, how they are wired and the conditions that order them.
type Description struct {
	// Name identifies the experiment in logs and stored results.
	Name string `json:"name" yaml:"name" validate:"required,max=128"`

	// Resources are created in order. Names must be unique.
	Resources []ResourceDesc `json:"resources" yaml:"resources" validate:"required,min=1,dive"`

	// Connections link two resources by name.
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive"`

	// Conditions gate the start or stop of resources on the state of others.
	Conditions []ConditionDesc `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`

	// Schedule sets attributes once conditions hold.
	Schedule []ScheduledSet `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"dive"`

	// Wait lists the resources whose end marks the end of the run. Empty
	// means every application.
	Wait []string `json:"wait,omitempty" yaml:"wait,omitempty" validate:"dive,required"`
}

// ResourceDesc describes one resource.
type ResourceDesc struct {
	// Name is how other entries refer to the resource. It becomes its label.
	Name string `json:"name" yaml:"name" validate:"required,max=63"`

	// Type is a registered resource type such as linux::Node.
	Type string `json:"type" yaml:"type" validate:"required,contains=::"`

	// GUID pins the resource guid. Zero lets the controller choose.
	GUID int `json:"guid,omitempty" yaml:"guid,omitempty" validate:"gte=0"`

	// Attributes are set before deployment. Values may be strings, numbers
	// or booleans.
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Traces are enabled on the resource.
	Traces []string `json:"traces,omitempty" yaml:"traces,omitempty" validate:"dive,required"`
}

// Connection links two resources.
type Connection struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required,nefield=From"`
}

// ConditionDesc gates Action on Targets until every resource in After has
// reached State, Delay after the last of them did.
type ConditionDesc struct {
	Targets []string `json:"targets" yaml:"targets" validate:"required,min=1,dive,required"`
	Action  string   `json:"action" yaml:"action" validate:"required,action"`
	After   []string `json:"after" yaml:"after" validate:"required,min=1,dive,required"`
	State   string   `json:"state" yaml:"state" validate:"required,state"`
	Delay   string   `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,delay"`
}

// ScheduledSet sets Attribute on Resource to Value once every resource in
// After has reached State, plus Delay.
type ScheduledSet struct {
	Resource  string   `json:"resource" yaml:"resource" validate:"required"`
	Attribute string   `json:"attribute" yaml:"attribute" validate:"required"`
	Value     any      `json:"value" yaml:"value"`
	After     []string `json:"after,omitempty" yaml:"after,omitempty" validate:"dive,required"`
	State     string   `json:"state" yaml:"state" validate:"required,state"`
	Delay     string   `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,delay"`
}

// Resource returns the resource named name.
func (d *Description) Resource(name string) (ResourceDesc, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceDesc{}, false
}

// AttributeString renders an attribute value the way the engine stores it.
func AttributeString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field the error refers to (e.g., "resources[1].type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a description.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(e), strings.Join(msgs, "; "))
}
