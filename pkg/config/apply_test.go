package config

import (
	"context"
	"testing"
	"time"

	"github.com/netexp/netexp/pkg/engine"
	"github.com/netexp/netexp/pkg/resources/dummy"
)

func newTestController(t *testing.T) *engine.ExperimentController {
	t.Helper()
	reg := engine.NewRegistry()
	if err := dummy.Register(reg); err != nil {
		t.Fatalf("failed to register drivers: %v", err)
	}
	ec, err := engine.New(engine.Options{
		Registry:     reg,
		RootDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return ec
}

func TestApply(t *testing.T) {
	desc := &Description{
		Name: "ordered",
		Resources: []ResourceDesc{
			{Name: "node", Type: dummy.NodeType},
			{Name: "server", Type: dummy.ApplicationType, GUID: 10, Traces: []string{"stdout"}},
			{Name: "client", Type: dummy.ApplicationType, Attributes: map[string]any{"duration": "50ms"}},
		},
		Connections: []Connection{
			{From: "server", To: "node"},
			{From: "client", To: "node"},
		},
		Conditions: []ConditionDesc{
			{Targets: []string{"client"}, Action: "START", After: []string{"server"}, State: "STARTED", Delay: "100ms"},
		},
		Schedule: []ScheduledSet{
			{Resource: "server", Attribute: "duration", Value: "200ms", State: "STARTED"},
		},
	}
	if err := Validate(desc); err != nil {
		t.Fatalf("description is invalid: %v", err)
	}

	ec := newTestController(t)
	applied, err := Apply(ec, desc)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if applied["server"] != 10 {
		t.Errorf("expected the pinned guid 10, got %d", applied["server"])
	}
	if applied["client"] <= 10 {
		t.Errorf("expected automatic guids to continue after 10, got %d", applied["client"])
	}
	if label, _ := ec.Get(applied["node"], "label"); label != "node" {
		t.Errorf("expected the name as label, got %q", label)
	}
	if d, _ := ec.Get(applied["client"], "duration"); d != "50ms" {
		t.Errorf("expected duration set, got %q", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.Deploy(ctx, nil, true); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	wait := WaitGroup(desc, applied)
	if len(wait) != 2 {
		t.Fatalf("expected both applications in the wait group, got %v", wait)
	}
	if err := ec.WaitFinished(ctx, wait); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	server, _ := ec.GetResource(applied["server"])
	client, _ := ec.GetResource(applied["client"])
	if gap := client.Time(engine.StateStarted).Sub(server.Time(engine.StateStarted)); gap < 100*time.Millisecond {
		t.Errorf("expected client to start 100ms after server, started %s after", gap)
	}
	if d, _ := ec.Get(applied["server"], "duration"); d != "200ms" {
		t.Errorf("expected the scheduled duration applied, got %q", d)
	}
	if server.State() != engine.StateStopped {
		t.Errorf("expected server to finish once its duration was set, got %s", server.State())
	}
}

func TestApply_Errors(t *testing.T) {
	tests := []struct {
		name string
		desc *Description
	}{
		{
			name: "unknown type",
			desc: &Description{Name: "x", Resources: []ResourceDesc{{Name: "n", Type: "ghost::Node"}}},
		},
		{
			name: "unknown attribute",
			desc: &Description{Name: "x", Resources: []ResourceDesc{
				{Name: "n", Type: dummy.NodeType, Attributes: map[string]any{"color": "blue"}},
			}},
		},
		{
			name: "unknown trace",
			desc: &Description{Name: "x", Resources: []ResourceDesc{
				{Name: "n", Type: dummy.NodeType, Traces: []string{"stdout"}},
			}},
		},
		{
			name: "invalid enum value",
			desc: &Description{Name: "x", Resources: []ResourceDesc{
				{Name: "n", Type: dummy.NodeType, Attributes: map[string]any{"failOn": "lunch"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Apply(newTestController(t), tt.desc); err == nil {
				t.Error("expected apply to fail")
			}
		})
	}
}

func TestWaitGroup(t *testing.T) {
	applied := Applied{"n": 1, "a": 2, "b": 3}
	desc := &Description{Resources: []ResourceDesc{
		{Name: "n", Type: dummy.NodeType},
		{Name: "a", Type: dummy.ApplicationType},
		{Name: "b", Type: dummy.ApplicationType},
	}}

	if got := WaitGroup(desc, applied); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("expected the applications, got %v", got)
	}
	desc.Wait = []string{"n"}
	if got := WaitGroup(desc, applied); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected the wait list, got %v", got)
	}
	desc.Wait = nil
	desc.Resources = desc.Resources[:1]
	if got := WaitGroup(desc, applied); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected every resource without applications, got %v", got)
	}
}
