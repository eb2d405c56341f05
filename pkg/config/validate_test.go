package config

import (
	"errors"
	"strings"
	"testing"
)

func validDescription() *Description {
	return &Description{
		Name: "exp",
		Resources: []ResourceDesc{
			{Name: "node", Type: "dummy::Node"},
			{Name: "app", Type: "dummy::Application", Traces: []string{"stdout"}},
		},
		Connections: []Connection{{From: "app", To: "node"}},
		Conditions: []ConditionDesc{
			{Targets: []string{"app"}, Action: "START", After: []string{"node"}, State: "READY", Delay: "1s"},
		},
		Schedule: []ScheduledSet{
			{Resource: "app", Attribute: "duration", Value: "1s", State: "STARTED"},
		},
		Wait: []string{"app"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Description)
		wantErr []string
	}{
		{
			name:   "valid",
			mutate: func(d *Description) {},
		},
		{
			name:    "missing name",
			mutate:  func(d *Description) { d.Name = "" },
			wantErr: []string{"name: is required"},
		},
		{
			name: "no resources",
			mutate: func(d *Description) {
				d.Resources = nil
				d.Connections = nil
				d.Conditions = nil
				d.Schedule = nil
				d.Wait = nil
			},
			wantErr: []string{"resources"},
		},
		{
			name:    "type without namespace",
			mutate:  func(d *Description) { d.Resources[0].Type = "Node" },
			wantErr: []string{`"Node" must contain "::"`},
		},
		{
			name: "duplicate names",
			mutate: func(d *Description) {
				d.Resources = append(d.Resources, ResourceDesc{Name: "node", Type: "dummy::Node"})
			},
			wantErr: []string{`resources[2].name: duplicate resource name "node"`},
		},
		{
			name: "duplicate guids",
			mutate: func(d *Description) {
				d.Resources[0].GUID = 4
				d.Resources[1].GUID = 4
			},
			wantErr: []string{"guid 4 already used by node"},
		},
		{
			name:    "self connection",
			mutate:  func(d *Description) { d.Connections[0].To = "app" },
			wantErr: []string{"cannot connect a resource to itself"},
		},
		{
			name:    "bad action",
			mutate:  func(d *Description) { d.Conditions[0].Action = "PAUSE" },
			wantErr: []string{`"PAUSE" is not START or STOP`},
		},
		{
			name:    "failed state",
			mutate:  func(d *Description) { d.Conditions[0].State = "FAILED" },
			wantErr: []string{"cannot be waited for"},
		},
		{
			name:   "lower case state",
			mutate: func(d *Description) { d.Conditions[0].State = "ready" },
		},
		{
			name:    "bad delay",
			mutate:  func(d *Description) { d.Schedule[0].Delay = "soon" },
			wantErr: []string{`"soon" is not a delay`},
		},
		{
			name: "dangling names",
			mutate: func(d *Description) {
				d.Conditions[0].After = []string{"ghost"}
				d.Schedule[0].Resource = "phantom"
				d.Wait = []string{"spirit"}
			},
			wantErr: []string{
				`conditions[0].after[0]: unknown resource "ghost"`,
				`schedule[0].resource: unknown resource "phantom"`,
				`wait[0]: unknown resource "spirit"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescription()
			tt.mutate(d)
			err := Validate(d)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected %q in %v", want, err)
				}
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{err: ValidationError{Message: "bad"}, want: "bad"},
		{err: ValidationError{Path: "name", Message: "is required"}, want: "name: is required"},
		{err: ValidationError{File: "a.cue", Line: 3, Column: 7, Message: "bad"}, want: "a.cue:3:7: bad"},
		{err: ValidationError{File: "a.star", Path: "experiment", Message: "bad"}, want: "a.star: experiment: bad"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}

	errs := ValidationErrors{{Message: "a"}, {Message: "b"}}
	if got := errs.Error(); got != "2 validation errors: a; b" {
		t.Errorf("unexpected %q", got)
	}
}

func TestAttributeString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: nil, want: ""},
		{in: "x", want: "x"},
		{in: true, want: "true"},
		{in: 22, want: "22"},
		{in: int64(7), want: "7"},
		{in: float64(2222), want: "2222"},
		{in: 0.5, want: "0.5"},
	}

	for _, tt := range tests {
		if got := AttributeString(tt.in); got != tt.want {
			t.Errorf("AttributeString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
