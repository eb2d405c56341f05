package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// AttrType is the declared value type of an attribute.
type AttrType string

const (
	AttrString  AttrType = "STRING"
	AttrBool    AttrType = "BOOL"
	AttrEnum    AttrType = "ENUM"
	AttrDouble  AttrType = "DOUBLE"
	AttrInteger AttrType = "INTEGER"
)

// AttrFlags modify how an attribute may be used.
type AttrFlags uint8

const (
	// FlagReadOnly attributes can only be set by the driver.
	FlagReadOnly AttrFlags = 1 << iota

	// FlagExecReadOnly attributes cannot be changed once the resource is READY.
	FlagExecReadOnly

	// FlagCredential attributes identify the account used to reach a testbed.
	// Drivers combine them into the keys of shared sessions.
	FlagCredential
)

// Has reports whether all bits of flag are set.
func (f AttrFlags) Has(flag AttrFlags) bool {
	return f&flag == flag
}

// AttributeSpec declares an attribute a driver understands.
type AttributeSpec struct {
	Name    string
	Help    string
	Type    AttrType
	Flags   AttrFlags
	Default string

	// Allowed lists the accepted values for ENUM attributes.
	Allowed []string
}

// Validate checks value against the declared type.
func (s AttributeSpec) Validate(value string) error {
	switch s.Type {
	case AttrString, "":
		return nil
	case AttrBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("attribute %s: %q is not a boolean", s.Name, value)
		}
	case AttrInteger:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("attribute %s: %q is not an integer", s.Name, value)
		}
	case AttrDouble:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("attribute %s: %q is not a number", s.Name, value)
		}
	case AttrEnum:
		for _, a := range s.Allowed {
			if a == value {
				return nil
			}
		}
		return fmt.Errorf("attribute %s: %q is not one of [%s]", s.Name, value, strings.Join(s.Allowed, ", "))
	default:
		return fmt.Errorf("attribute %s: unknown type %s", s.Name, s.Type)
	}
	return nil
}

// attribute is the per-resource value cell for an AttributeSpec.
type attribute struct {
	spec  AttributeSpec
	value string
	set   bool
}

// AttributeValue is a read-only view of an attribute on a resource.
type AttributeValue struct {
	AttributeSpec
	Value string
	IsSet bool
}

// Bool parses the value as a boolean. Invalid or empty values are false.
func (v AttributeValue) Bool() bool {
	b, _ := strconv.ParseBool(v.Value)
	return b
}

// Int parses the value as an integer. Invalid or empty values are 0.
func (v AttributeValue) Int() int64 {
	i, _ := strconv.ParseInt(v.Value, 10, 64)
	return i
}

// Float parses the value as a float. Invalid or empty values are 0.
func (v AttributeValue) Float() float64 {
	f, _ := strconv.ParseFloat(v.Value, 64)
	return f
}

// commonAttributes are declared on every resource.
var commonAttributes = []AttributeSpec{
	{
		Name:    "critical",
		Help:    "A critical resource failing marks the whole experiment as failed",
		Type:    AttrBool,
		Flags:   FlagExecReadOnly,
		Default: "true",
	},
	{
		Name: "label",
		Help: "Free-form name used in logs and reports",
		Type: AttrString,
	},
}
