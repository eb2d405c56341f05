package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator runs description scripts. A script builds the
// experiment procedurally and assigns it to the global experiment, which
// must hold a dict shaped like a Description.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script and decodes its experiment global. vars are exposed
// to the script as predeclared names.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name string, script []byte, vars map[string]any) (*Description, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "netexp",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"resource": starlark.NewBuiltin("resource", builtinResource),
		"connect":  starlark.NewBuiltin("connect", builtinConnect),
		"after":    starlark.NewBuiltin("after", builtinAfter),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, ValidationErrors{{File: name, Message: evalErr.Backtrace()}}
		}
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}

	exp, ok := globals["experiment"]
	if !ok {
		return nil, ValidationErrors{{File: name, Path: "experiment", Message: "script does not define experiment"}}
	}
	out, err := fromStarlarkValue(exp)
	if err != nil {
		return nil, ValidationErrors{{File: name, Path: "experiment", Message: err.Error()}}
	}

	// The json tags already describe the document shape, so a round trip
	// through JSON maps the script's dicts onto the typed description.
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode experiment: %w", err)
	}
	var desc Description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, ValidationErrors{{File: name, Path: "experiment", Message: err.Error()}}
	}
	return &desc, nil
}

// builtinResource implements resource(name, type, guid=0, attributes={}, traces=[]).
func builtinResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, rtype string
		guid        int
		attributes  *starlark.Dict
		traces      *starlark.List
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "type", &rtype, "guid?", &guid, "attributes?", &attributes, "traces?", &traces); err != nil {
		return nil, err
	}

	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("name"), starlark.String(name))
	_ = d.SetKey(starlark.String("type"), starlark.String(rtype))
	if guid != 0 {
		_ = d.SetKey(starlark.String("guid"), starlark.MakeInt(guid))
	}
	if attributes != nil {
		_ = d.SetKey(starlark.String("attributes"), attributes)
	}
	if traces != nil {
		_ = d.SetKey(starlark.String("traces"), traces)
	}
	return d, nil
}

// builtinConnect implements connect(a, b).
func builtinConnect(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var from, to starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &from, &to); err != nil {
		return nil, err
	}
	d := starlark.NewDict(2)
	_ = d.SetKey(starlark.String("from"), starlark.String(resourceName(from)))
	_ = d.SetKey(starlark.String("to"), starlark.String(resourceName(to)))
	return d, nil
}

// builtinAfter implements after(targets, action, group, state, delay="").
func builtinAfter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		targets, group *starlark.List
		action, state  string
		delay          string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"targets", &targets, "action", &action, "group", &group, "state", &state, "delay?", &delay); err != nil {
		return nil, err
	}
	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("targets"), names(targets))
	_ = d.SetKey(starlark.String("action"), starlark.String(action))
	_ = d.SetKey(starlark.String("after"), names(group))
	_ = d.SetKey(starlark.String("state"), starlark.String(state))
	if delay != "" {
		_ = d.SetKey(starlark.String("delay"), starlark.String(delay))
	}
	return d, nil
}

// resourceName accepts either a name or a dict built by resource().
func resourceName(v starlark.Value) string {
	if d, ok := v.(*starlark.Dict); ok {
		if n, found, _ := d.Get(starlark.String("name")); found {
			if s, ok := starlark.AsString(n); ok {
				return s
			}
		}
		return ""
	}
	s, _ := starlark.AsString(v)
	return s
}

func names(l *starlark.List) *starlark.List {
	out := make([]starlark.Value, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		out = append(out, starlark.String(resourceName(l.Index(i))))
	}
	return starlark.NewList(out)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
