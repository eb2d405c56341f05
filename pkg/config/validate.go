package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/scheduler"
)

// newValidator returns a validator that knows the engine's vocabulary.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("action", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseAction(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("state", func(fl validator.FieldLevel) bool {
		s, err := engine.ParseResourceState(fl.Field().String())
		return err == nil && s != engine.StateFailed
	})
	_ = v.RegisterValidation("delay", func(fl validator.FieldLevel) bool {
		_, err := scheduler.ParseDelay(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and that every name a description uses
// refers to one of its resources. All problems are reported together.
func Validate(desc *Description) error {
	var errs ValidationErrors

	if err := newValidator().Struct(desc); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Description."),
				Message: fieldMessage(fe),
			})
		}
	}

	names := make(map[string]bool, len(desc.Resources))
	guids := make(map[int]string)
	for i, r := range desc.Resources {
		if names[r.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("resources[%d].name", i),
				Message: fmt.Sprintf("duplicate resource name %q", r.Name),
			})
		}
		names[r.Name] = true
		if r.GUID == 0 {
			continue
		}
		if other, ok := guids[r.GUID]; ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("resources[%d].guid", i),
				Message: fmt.Sprintf("guid %d already used by %s", r.GUID, other),
			})
		}
		guids[r.GUID] = r.Name
	}

	ref := func(path, name string) {
		if name != "" && !names[name] {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("unknown resource %q", name)})
		}
	}
	for i, c := range desc.Connections {
		ref(fmt.Sprintf("connections[%d].from", i), c.From)
		ref(fmt.Sprintf("connections[%d].to", i), c.To)
	}
	for i, c := range desc.Conditions {
		for j, n := range c.Targets {
			ref(fmt.Sprintf("conditions[%d].targets[%d]", i, j), n)
		}
		for j, n := range c.After {
			ref(fmt.Sprintf("conditions[%d].after[%d]", i, j), n)
		}
	}
	for i, s := range desc.Schedule {
		ref(fmt.Sprintf("schedule[%d].resource", i), s.Resource)
		for j, n := range s.After {
			ref(fmt.Sprintf("schedule[%d].after[%d]", i, j), n)
		}
	}
	for i, n := range desc.Wait {
		ref(fmt.Sprintf("wait[%d]", i), n)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "contains":
		return fmt.Sprintf("%q must contain %q", fe.Value(), fe.Param())
	case "nefield":
		return "cannot connect a resource to itself"
	case "action":
		return fmt.Sprintf("%q is not START or STOP", fe.Value())
	case "state":
		return fmt.Sprintf("%q is not a state that can be waited for", fe.Value())
	case "delay":
		return fmt.Sprintf("%q is not a delay such as 10s or 1.5m", fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
