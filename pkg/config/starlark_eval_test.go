package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		vars      map[string]any
		checkFunc func(*testing.T, *Description)
		wantErr   string
	}{
		{
			name: "plain dict",
			script: `
experiment = {
    "name": "plain",
    "resources": [{"name": "n", "type": "dummy::Node", "attributes": {"deployDelay": "1s"}}],
}
`,
			checkFunc: func(t *testing.T, d *Description) {
				if d.Name != "plain" || len(d.Resources) != 1 {
					t.Fatalf("unexpected description %+v", d)
				}
				if d.Resources[0].Attributes["deployDelay"] != "1s" {
					t.Errorf("unexpected attributes %v", d.Resources[0].Attributes)
				}
			},
		},
		{
			name: "helpers in loops",
			script: `
nodes = [resource("node%d" % i, "dummy::Node") for i in range(count)]
apps = [resource("app%d" % i, "dummy::Application", traces = ["stdout"]) for i in range(count)]
experiment = {
    "name": "fanout",
    "resources": nodes + apps,
    "connections": [connect(a, n) for a, n in zip(apps, nodes)],
    "conditions": [after(apps[1:], "START", apps[:1], "STARTED", "2s")],
}
`,
			vars: map[string]any{"count": 3},
			checkFunc: func(t *testing.T, d *Description) {
				if len(d.Resources) != 6 {
					t.Fatalf("expected 6 resources, got %d", len(d.Resources))
				}
				if len(d.Connections) != 3 || d.Connections[2].From != "app2" || d.Connections[2].To != "node2" {
					t.Errorf("unexpected connections %+v", d.Connections)
				}
				if len(d.Conditions) != 1 {
					t.Fatalf("expected 1 condition, got %d", len(d.Conditions))
				}
				c := d.Conditions[0]
				if strings.Join(c.Targets, ",") != "app1,app2" || strings.Join(c.After, ",") != "app0" {
					t.Errorf("unexpected condition %+v", c)
				}
				if c.Delay != "2s" || c.State != "STARTED" {
					t.Errorf("unexpected condition %+v", c)
				}
			},
		},
		{
			name: "numeric attributes",
			script: `
experiment = {"name": "n", "resources": [resource("n", "linux::Node", guid = 7, attributes = {"port": 2222})]}
`,
			checkFunc: func(t *testing.T, d *Description) {
				if d.Resources[0].GUID != 7 {
					t.Errorf("expected guid 7, got %d", d.Resources[0].GUID)
				}
				if got := AttributeString(d.Resources[0].Attributes["port"]); got != "2222" {
					t.Errorf("expected port 2222, got %q", got)
				}
			},
		},
		{
			name:    "no experiment",
			script:  `x = 1`,
			wantErr: "does not define experiment",
		},
		{
			name:    "runtime error",
			script:  `experiment = {"name": 1 // 0}`,
			wantErr: "division by zero",
		},
		{
			name:    "wrong shape",
			script:  `experiment = {"name": "x", "resources": "none"}`,
			wantErr: "experiment",
		},
		{
			name:    "bad helper call",
			script:  `experiment = resource("only-name")`,
			wantErr: "missing argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := evaluator.Evaluate(ctx, "test.star", []byte(tt.script), tt.vars)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected an error mentioning %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error to mention %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, desc)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

experiment = {"name": str(spin())}
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "spin.star", []byte(script), nil)
	if err == nil {
		t.Fatal("expected the script to be cancelled")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected a timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestToStarlarkValue(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{in: nil, want: "None"},
		{in: true, want: "True"},
		{in: 3, want: "3"},
		{in: 1.5, want: "1.5"},
		{in: "x", want: `"x"`},
		{in: []string{"a", "b"}, want: `["a", "b"]`},
		{in: map[string]any{"k": int64(1)}, want: `{"k": 1}`},
		{in: struct{}{}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := toStarlarkValue(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("toStarlarkValue(%v): expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("toStarlarkValue(%v): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("toStarlarkValue(%v) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}
