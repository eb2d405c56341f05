package engine

import (
	"testing"
)

func TestResourceState_AtLeast(t *testing.T) {
	tests := []struct {
		s, other ResourceState
		want     bool
	}{
		{StateReady, StateReady, true},
		{StateStarted, StateReady, true},
		{StateReady, StateStarted, false},
		{StateReleased, StateNew, true},
		{StateFailed, StateNew, false},
		{StateReleased, StateFailed, false},
		{StateFailed, StateFailed, false},
	}
	for _, tt := range tests {
		if got := tt.s.AtLeast(tt.other); got != tt.want {
			t.Errorf("%s.AtLeast(%s): expected %v, got %v", tt.s, tt.other, tt.want, got)
		}
	}
}

func TestResourceState_ParseAndText(t *testing.T) {
	for s := StateNew; s <= StateFailed; s++ {
		parsed, err := ParseResourceState(s.String())
		if err != nil || parsed != s {
			t.Errorf("%s: parsed %s, %v", s, parsed, err)
		}
	}
	if s, err := ParseResourceState(" started "); err != nil || s != StateStarted {
		t.Errorf("expected case-insensitive parse, got %s %v", s, err)
	}
	if _, err := ParseResourceState("PAUSED"); err == nil {
		t.Error("expected error for unknown state")
	}

	var s ResourceState
	if err := s.UnmarshalText([]byte("ready")); err != nil || s != StateReady {
		t.Errorf("expected READY, got %s %v", s, err)
	}
	if ResourceState(99).String() != "ResourceState(99)" {
		t.Errorf("unexpected name %s", ResourceState(99))
	}
	if ResourceState(99).Validate() == nil {
		t.Error("expected invalid state")
	}
}

func TestResourceState_IsTerminal(t *testing.T) {
	for s := StateNew; s <= StateFailed; s++ {
		want := s == StateReleased || s == StateFailed
		if s.IsTerminal() != want {
			t.Errorf("%s: expected terminal %v", s, want)
		}
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"start", ActionStart, false},
		{"STOP", ActionStop, false},
		{"set", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAction(%q) = %s, %v", tt.in, got, err)
		}
	}
}

func TestECState_IsTerminal(t *testing.T) {
	if ECRunning.IsTerminal() || !ECFailed.IsTerminal() || !ECTerminated.IsTerminal() {
		t.Error("unexpected terminal states")
	}
}

func TestGroup(t *testing.T) {
	if g := Group(3, 1); len(g) != 2 || g[0] != 3 || g[1] != 1 {
		t.Errorf("expected [3 1], got %v", g)
	}
	if g := Group(); len(g) != 0 {
		t.Errorf("expected empty group, got %v", g)
	}
}
